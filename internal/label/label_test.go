package label

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLevelOrderingIsFixed(t *testing.T) {
	levels := Levels()
	for i := 1; i < len(levels); i++ {
		if levels[i-1] >= levels[i] {
			t.Fatalf("expected %s < %s", levels[i-1], levels[i])
		}
	}
	if Public != 0 || TopSecret != 4 {
		t.Errorf("level ordinals changed without bumping LatticeVersion")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"public", Public},
		{"INTERNAL", Internal},
		{" confidential ", Confidential},
		{"secret", Secret},
		{"top_secret", TopSecret},
		{"top-secret", TopSecret},
		{"Top Secret", TopSecret},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("cosmic"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewNormalizesCompartments(t *testing.T) {
	l := New(Secret, "BLUE", " ALPHA ", "", "BLUE")
	got := l.Compartments()
	if len(got) != 2 || got[0] != "ALPHA" || got[1] != "BLUE" {
		t.Errorf("expected [ALPHA BLUE], got %v", got)
	}
	if l.String() != "secret[ALPHA,BLUE]" {
		t.Errorf("unexpected string form %q", l.String())
	}
}

func TestCompartmentsReturnsCopy(t *testing.T) {
	l := New(Secret, "ALPHA")
	c := l.Compartments()
	c[0] = "MUTATED"
	if !l.Has("ALPHA") {
		t.Error("label mutated through Compartments() result")
	}
}

func TestDefaultIsLowest(t *testing.T) {
	d := Default()
	if d.Level != Public || len(d.Compartments()) != 0 {
		t.Errorf("expected public with no compartments, got %s", d)
	}
	for _, lv := range Levels() {
		if !New(lv).Dominates(d) {
			t.Errorf("%s should dominate default", lv)
		}
	}
}

func TestDominates(t *testing.T) {
	tests := []struct {
		name string
		a, b Label
		want bool
	}{
		{"equal", New(Secret, "A"), New(Secret, "A"), true},
		{"higher level superset", New(TopSecret, "A", "B"), New(Secret, "A"), true},
		{"lower level", New(Confidential, "A"), New(Secret, "A"), false},
		{"missing compartment", New(TopSecret, "A"), New(Secret, "B"), false},
		{"no compartments on object", New(Internal, "A"), New(Public), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Dominates(tt.b); got != tt.want {
				t.Errorf("%s.Dominates(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestJoinIsLeastUpperBound(t *testing.T) {
	a := New(Confidential, "ALPHA")
	b := New(Secret, "BLUE")
	j := Join(a, b)

	if j.Level != Secret {
		t.Errorf("expected secret, got %s", j.Level)
	}
	if !j.Dominates(a) || !j.Dominates(b) {
		t.Errorf("join %s must dominate both inputs", j)
	}
	if !Join().Equal(Default()) {
		t.Error("join of nothing should be the default label")
	}
}

func TestLabelJSONDeterministic(t *testing.T) {
	a := New(Secret, "BLUE", "ALPHA")
	b := New(Secret, "ALPHA", "BLUE", "ALPHA")

	ja, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("equal labels serialized differently: %s vs %s", ja, jb)
	}
	want := `{"level":"secret","compartments":["ALPHA","BLUE"]}`
	if string(ja) != want {
		t.Errorf("got %s, want %s", ja, want)
	}

	var back Label
	if err := json.Unmarshal(ja, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(a) {
		t.Errorf("decoded %s, want %s", back, a)
	}
}

func TestLabelJSONRejectsUnknownLevel(t *testing.T) {
	var l Label
	if err := json.Unmarshal([]byte(`{"level":"cosmic"}`), &l); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLabelYAML(t *testing.T) {
	var l Label
	src := "level: top-secret\ncompartments: [NOFORN, ALPHA]\n"
	if err := yaml.Unmarshal([]byte(src), &l); err != nil {
		t.Fatal(err)
	}
	if l.String() != "top_secret[ALPHA,NOFORN]" {
		t.Errorf("unexpected label %s", l)
	}
}
