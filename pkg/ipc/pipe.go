package ipc

import (
	"os"
	"path/filepath"
	"strings"
)

// pipeDir is the per-platform directory all module sockets live under.
const pipeDir = "adc-platform"

// PipePath returns the rendezvous path for a module's IPC endpoint:
// <tmp>/adc-platform/<safe-module>-<version>-<lang>. The module name is
// sanitized so descriptor names cannot escape the directory.
func PipePath(module, version, lang string) string {
	return filepath.Join(os.TempDir(), pipeDir,
		safeName(module)+"-"+safeName(version)+"-"+safeName(lang))
}

func safeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
