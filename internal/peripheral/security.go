package peripheral

import (
	"fmt"
	"strings"
)

// MaxPasskey is the largest six-digit passkey.
const MaxPasskey = 999999

// IOCapability is the pairing I/O capability advertised during SMP.
type IOCapability int

const (
	IODisplayOnly IOCapability = iota
	IODisplayYesNo
	IOKeyboardOnly
	IONoInputNoOutput
	IOKeyboardDisplay
)

var ioCapNames = map[IOCapability]string{
	IODisplayOnly:     "display_only",
	IODisplayYesNo:    "display_yes_no",
	IOKeyboardOnly:    "keyboard_only",
	IONoInputNoOutput: "no_input_no_output",
	IOKeyboardDisplay: "keyboard_display",
}

func (c IOCapability) String() string {
	if s, ok := ioCapNames[c]; ok {
		return s
	}
	return fmt.Sprintf("io_capability(%d)", int(c))
}

// ParseIOCapability parses the config spelling of an I/O capability.
func ParseIOCapability(s string) (IOCapability, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for c, name := range ioCapNames {
		if name == want {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid io capability %q", s)
}

// Security is the pairing policy applied when the stack is enabled.
type Security struct {
	Bonding           bool
	MITM              bool
	SecureConnections bool
	Passkey           uint32
	IOCap             IOCapability
	ResolveRPA        bool
}

// DefaultSecurity bonds with MITM protection and secure connections using a
// fixed display-only passkey, and resolves private addresses of bonded peers.
func DefaultSecurity() Security {
	return Security{
		Bonding:           true,
		MITM:              true,
		SecureConnections: true,
		Passkey:           2137,
		IOCap:             IODisplayOnly,
		ResolveRPA:        true,
	}
}

// Validate checks that the passkey fits six digits.
func (s Security) Validate() error {
	if s.Passkey > MaxPasskey {
		return fmt.Errorf("passkey %d exceeds six digits", s.Passkey)
	}
	return nil
}

// FormatPasskey renders the passkey as shown to the user: six digits with leading zeros.
func FormatPasskey(p uint32) string {
	return fmt.Sprintf("%06d", p)
}
