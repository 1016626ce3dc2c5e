package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ConfigHash computes the stable identity hash of a module's custom config.
// Two descriptors with the same name but different custom blobs are distinct
// instances; the hash is what disambiguates them in the registry.
//
// The hash is deterministic: maps are serialized with sorted keys before
// hashing, so key insertion order never changes instance identity.
// A nil or empty custom blob hashes to the empty string.
func ConfigHash(custom map[string]any) string {
	if len(custom) == 0 {
		return ""
	}
	h := sha256.New()
	writeCanonical(h, custom)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w hashWriter, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte("{"))
		for _, k := range keys {
			w.Write([]byte(strconv.Quote(k)))
			w.Write([]byte(":"))
			writeCanonical(w, val[k])
			w.Write([]byte(","))
		}
		w.Write([]byte("}"))
	case []any:
		w.Write([]byte("["))
		for _, item := range val {
			writeCanonical(w, item)
			w.Write([]byte(","))
		}
		w.Write([]byte("]"))
	case json.Number:
		w.Write([]byte(val.String()))
	case float64:
		// JSON numbers decode as float64; format without exponent noise so
		// 1 and 1.0 hash identically.
		w.Write([]byte(strconv.FormatFloat(val, 'g', -1, 64)))
	case string:
		w.Write([]byte(strconv.Quote(val)))
	case bool:
		w.Write([]byte(strconv.FormatBool(val)))
	case nil:
		w.Write([]byte("null"))
	default:
		// Structs and typed values fall back to their JSON encoding.
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(w, "%v", val)
			return
		}
		w.Write(b)
	}
}
