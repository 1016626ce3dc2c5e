package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/kernel"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	return dir
}

func TestLoadEnvFileParsesKeyValuePairs(t *testing.T) {
	t.Parallel()

	dir := writeEnvFile(t, `
# connection settings
DB_HOST=localhost
DB_PASS="p@ss\"word\n"
EMPTY=
`)
	env, err := LoadEnvFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "localhost", env["DB_HOST"])
	assert.Equal(t, "p@ss\"word\n", env["DB_PASS"])
	assert.Equal(t, "", env["EMPTY"])
}

func TestLoadEnvFileMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	env, err := LoadEnvFile(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestLoadEnvFileRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := writeEnvFile(t, "JUSTAKEY\n")
	_, err := LoadEnvFile(dir)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))

	dir = writeEnvFile(t, `K="unterminated`+"\n")
	_, err = LoadEnvFile(dir)
	require.Error(t, err)
}

func TestInterpolateReplacesVariables(t *testing.T) {
	t.Parallel()

	d := &Descriptor{
		Name: "store", Type: kernel.KindProvider,
		Custom: map[string]any{
			"dsn":   "postgres://${DB_USER}@${DB_HOST}/app",
			"ports": []any{"${DB_PORT}"},
			"count": float64(3),
		},
		Services: []Descriptor{
			{Name: "inner", Type: kernel.KindService, Custom: map[string]any{
				"token": "${API_TOKEN}",
			}},
		},
	}
	env := map[string]string{
		"DB_USER": "app", "DB_HOST": "db1", "DB_PORT": "5432",
	}

	require.NoError(t, Interpolate(d, env))
	assert.Equal(t, "postgres://app@db1/app", d.Custom["dsn"])
	assert.Equal(t, []any{"5432"}, d.Custom["ports"])
	assert.Equal(t, float64(3), d.Custom["count"])
	// sub-modules resolve against their own env files, not this one
	assert.Equal(t, "${API_TOKEN}", d.Services[0].Custom["token"])
}

func TestInterpolateUndefinedVariableFails(t *testing.T) {
	t.Parallel()

	d := &Descriptor{
		Name: "store", Type: kernel.KindProvider,
		Custom: map[string]any{"dsn": "${MISSING}"},
	}
	err := Interpolate(d, map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}
