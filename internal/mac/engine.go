package mac

import (
	"strings"

	"github.com/ppiankov/chainseal/internal/label"
)

// Labeled is implemented by domain objects that know their classification.
type Labeled interface {
	SecurityLabel() label.Label
}

// SubjectSource supplies the current subject label. session.Manager
// implements it.
type SubjectSource interface {
	Subject() label.Label
}

// Engine binds the pure predicates to a subject source.
type Engine struct {
	subjects SubjectSource
}

// NewEngine creates an engine reading the subject from src. A nil src
// always yields the default subject.
func NewEngine(src SubjectSource) *Engine {
	return &Engine{subjects: src}
}

// Subject returns the current subject label, or the lowest-privilege
// default when there is no valid session.
func (e *Engine) Subject() label.Label {
	if e == nil || e.subjects == nil {
		return label.Default()
	}
	return e.subjects.Subject()
}

// Label projects an entity to its label. nil and maps without a
// classification are public. Anything the engine cannot read, including
// unknown types, unknown levels and unreadable compartments, is treated as
// top_secret so that bad metadata fails closed.
func (e *Engine) Label(entity any) label.Label {
	return Project(entity)
}

// CheckRead enforces no-read-up for the current subject.
func (e *Engine) CheckRead(entity any) error {
	return EnforceNoReadUp(e.Subject(), e.Label(entity))
}

// CheckWrite enforces no-write-down for the current subject.
func (e *Engine) CheckWrite(entity any) error {
	return EnforceNoWriteDown(e.Subject(), e.Label(entity))
}

// Project maps domain fields to a label. See Engine.Label.
func Project(entity any) label.Label {
	switch v := entity.(type) {
	case nil:
		return label.Default()
	case label.Label:
		return v
	case *label.Label:
		if v == nil {
			return label.Default()
		}
		return *v
	case Labeled:
		return v.SecurityLabel()
	case map[string]any:
		return fromMap(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = x
		}
		return fromMap(m)
	default:
		return label.New(label.TopSecret)
	}
}

func fromMap(m map[string]any) label.Label {
	raw, ok := m["classification"]
	if !ok {
		raw, ok = m["level"]
	}
	tags, readable := toStrings(m["compartments"])
	if !readable {
		return label.New(label.TopSecret)
	}
	if !ok || raw == nil {
		return label.New(label.Public, tags...)
	}

	var lv label.Level
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return label.New(label.Public, tags...)
		}
		parsed, err := label.ParseLevel(v)
		if err != nil {
			return label.New(label.TopSecret, tags...)
		}
		lv = parsed
	case label.Level:
		lv = v
	default:
		return label.New(label.TopSecret, tags...)
	}
	if !lv.Valid() {
		lv = label.TopSecret
	}
	return label.New(lv, tags...)
}

// toStrings reads a compartments value. ok is false for types it does
// not understand.
func toStrings(v any) (tags []string, ok bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		if t == "" {
			return nil, true
		}
		return strings.Split(t, ","), true
	}
	return nil, false
}
