package modules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adcplatform/adc/pkg/errors"
)

var interpolationPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnvFile reads the per-module environment file at <dir>/.env.
// The format is KEY=VALUE per line; values may be double-quoted, in which
// case standard escapes (\n, \t, \", \\) are honored. Blank lines and lines
// starting with # are ignored. A missing file yields an empty environment.
func LoadEnvFile(dir string) (map[string]string, error) {
	path := filepath.Join(dir, ".env")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.NewConfigError(fmt.Sprintf("cannot read %s", path), err)
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.NewConfigError(
				fmt.Sprintf("%s:%d: expected KEY=VALUE", path, lineNo), nil)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, `"`) {
			unquoted, err := unquote(value)
			if err != nil {
				return nil, errors.NewConfigError(
					fmt.Sprintf("%s:%d: %v", path, lineNo, err), nil)
			}
			value = unquoted
		}
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("reading %s", path), err)
	}
	return env, nil
}

func unquote(value string) (string, error) {
	if len(value) < 2 || !strings.HasSuffix(value, `"`) {
		return "", fmt.Errorf("unterminated quoted value")
	}
	inner := value[1 : len(value)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(inner) {
			return "", fmt.Errorf("dangling escape in quoted value")
		}
		switch inner[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(inner[i])
		}
	}
	return b.String(), nil
}

// Interpolate replaces "${VAR}" occurrences throughout the descriptor's
// custom blob with values from the module environment. A reference to an
// undefined variable is a config error. Sub-module descriptors are not
// touched: each is interpolated against its own module's environment when
// the loader instantiates it.
func Interpolate(d *Descriptor, env map[string]string) error {
	custom, err := interpolateValue(d.Custom, env)
	if err != nil {
		return errors.NewConfigError(
			fmt.Sprintf("interpolating descriptor %q", d.Name), err)
	}
	if custom != nil {
		d.Custom = custom.(map[string]any)
	}
	return nil
}

func interpolateValue(v any, env map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		var missing error
		replaced := interpolationPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := interpolationPattern.FindStringSubmatch(match)[1]
			resolved, ok := env[name]
			if !ok {
				missing = fmt.Errorf("environment variable %q is not defined", name)
				return match
			}
			return resolved
		})
		return replaced, missing
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			replaced, err := interpolateValue(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = replaced
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			replaced, err := interpolateValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	default:
		return v, nil
	}
}
