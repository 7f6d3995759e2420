package label

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Label is a classification: level plus compartment set.
// Compartments are kept sorted and de-duplicated so that equal labels
// always serialize to equal bytes.
type Label struct {
	Level        Level
	compartments []string
}

// Default is the lowest-privilege label: public, no compartments.
func Default() Label {
	return Label{Level: Public}
}

// New builds a normalized label. Empty and whitespace-only tags are dropped.
func New(level Level, compartments ...string) Label {
	return Label{Level: level, compartments: normalize(compartments)}
}

// Parse builds a label from a level name and compartment tags.
func Parse(level string, compartments ...string) (Label, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return Label{}, err
	}
	return New(lv, compartments...), nil
}

func normalize(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Compartments returns a copy of the sorted compartment tags.
func (l Label) Compartments() []string {
	if len(l.compartments) == 0 {
		return []string{}
	}
	out := make([]string, len(l.compartments))
	copy(out, l.compartments)
	return out
}

// Has reports whether the label carries the compartment tag.
func (l Label) Has(tag string) bool {
	i := sort.SearchStrings(l.compartments, tag)
	return i < len(l.compartments) && l.compartments[i] == tag
}

// CoversCompartments reports whether other's compartments are a subset of l's.
func (l Label) CoversCompartments(other Label) bool {
	for _, c := range other.compartments {
		if !l.Has(c) {
			return false
		}
	}
	return true
}

// Dominates reports whether l >= other in the lattice: higher or equal
// level and a superset of compartments.
func (l Label) Dominates(other Label) bool {
	return l.Level >= other.Level && l.CoversCompartments(other)
}

// Equal reports whether both labels have the same level and compartments.
func (l Label) Equal(other Label) bool {
	return l.Dominates(other) && other.Dominates(l)
}

// Join returns the least upper bound of the given labels: the highest
// level and the union of compartments. Join of nothing is Default.
func Join(labels ...Label) Label {
	out := Default()
	var tags []string
	for _, l := range labels {
		if l.Level > out.Level {
			out.Level = l.Level
		}
		tags = append(tags, l.compartments...)
	}
	out.compartments = normalize(tags)
	return out
}

// String renders e.g. "secret[ALPHA,BLUE]" or "public".
func (l Label) String() string {
	if len(l.compartments) == 0 {
		return l.Level.String()
	}
	return fmt.Sprintf("%s[%s]", l.Level, strings.Join(l.compartments, ","))
}

type wireLabel struct {
	Level        Level    `json:"level" yaml:"level"`
	Compartments []string `json:"compartments" yaml:"compartments"`
}

// MarshalJSON encodes {"level":"secret","compartments":["ALPHA"]}.
func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireLabel{Level: l.Level, Compartments: l.Compartments()})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (l *Label) UnmarshalJSON(b []byte) error {
	var w wireLabel
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	*l = New(w.Level, w.Compartments...)
	return nil
}

// UnmarshalYAML decodes the same shape as the JSON form.
func (l *Label) UnmarshalYAML(unmarshal func(any) error) error {
	var w wireLabel
	if err := unmarshal(&w); err != nil {
		return err
	}
	*l = New(w.Level, w.Compartments...)
	return nil
}
