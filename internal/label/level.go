// Package label defines the classification lattice used by the MAC engine:
// a totally ordered level plus a set of compartments.
package label

import (
	"fmt"
	"strings"
)

// LatticeVersion identifies the level ordering below. Bump it whenever the
// table changes; persisted labels carry names, never ordinals.
const LatticeVersion = 1

// Level is a hierarchical classification level.
type Level int

const (
	Public Level = iota
	Internal
	Confidential
	Secret
	TopSecret
)

var levelNames = [...]string{
	Public:       "public",
	Internal:     "internal",
	Confidential: "confidential",
	Secret:       "secret",
	TopSecret:    "top_secret",
}

// Levels returns all levels in ascending order.
func Levels() []Level {
	return []Level{Public, Internal, Confidential, Secret, TopSecret}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Public && l <= TopSecret
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel resolves a level name. Matching is case-insensitive and
// accepts "top-secret" and "top secret" for top_secret.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for i, name := range levelNames {
		if name == norm {
			return Level(i), nil
		}
	}
	return Public, fmt.Errorf("unknown classification level %q", s)
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid classification level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML lets policy files spell levels by name.
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(s))
}
