package kernel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// CapabilityKey is the unforgeable token generated at kernel construction.
// Only the kernel holds a valid key; modules must require it on their
// privileged lifecycle methods and refuse any caller that cannot present it.
type CapabilityKey struct {
	value string
}

// NewCapabilityKey generates a fresh capability key from 32 bytes of
// system entropy.
func NewCapabilityKey() CapabilityKey {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the system entropy source is broken,
		// at which point the process cannot run safely at all.
		panic("kernel: cannot read system entropy: " + err.Error())
	}
	return CapabilityKey{value: hex.EncodeToString(buf)}
}

// Equal reports whether two capability keys are the same token.
// The comparison is constant-time.
func (k CapabilityKey) Equal(other CapabilityKey) bool {
	if k.value == "" || other.value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(k.value), []byte(other.value)) == 1
}

// IsZero reports whether the key was never issued.
func (k CapabilityKey) IsZero() bool {
	return k.value == ""
}
