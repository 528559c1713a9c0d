package domain

import (
	"fmt"
	"strings"
)

// Clearance is an ordered security level. The zero value is ClearanceOpen.
type Clearance int

const (
	ClearanceOpen Clearance = iota
	ClearanceRestricted
	ClearanceConfidential
	ClearanceSecret
)

var clearanceNames = [...]string{"open", "restricted", "confidential", "secret"}

func (c Clearance) String() string {
	if c < ClearanceOpen || c > ClearanceSecret {
		return fmt.Sprintf("clearance(%d)", int(c))
	}
	return clearanceNames[c]
}

// AtLeast reports whether c meets the required level.
func (c Clearance) AtLeast(required Clearance) bool {
	return c >= required
}

// Valid reports whether c is one of the defined levels.
func (c Clearance) Valid() bool {
	return c >= ClearanceOpen && c <= ClearanceSecret
}

// ParseClearance parses a level name, case-insensitively. Empty parses as open.
func ParseClearance(s string) (Clearance, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ClearanceOpen, nil
	}
	for i, name := range clearanceNames {
		if name == s {
			return Clearance(i), nil
		}
	}
	return ClearanceOpen, fmt.Errorf("unknown clearance %q", s)
}

func (c Clearance) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid clearance %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Clearance) UnmarshalText(b []byte) error {
	v, err := ParseClearance(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
