package stream

import "testing"

func TestSpeakerRegistry_Observe(t *testing.T) {
	r := NewSpeakerRegistry()

	tests := []struct {
		tag  string
		want bool
	}{
		{"1", true},
		{"1", false},
		{"", false},
		{"2", true},
		{"1", false},
		{"2", false},
	}
	for i, tc := range tests {
		if got := r.Observe(tc.tag); got != tc.want {
			t.Errorf("[%d] Observe(%q) = %v, want %v", i, tc.tag, got, tc.want)
		}
	}

	got := r.Detected()
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("Detected = %v, want [1 2]", got)
	}
}

func TestSpeakerRegistry_Mapping(t *testing.T) {
	r := NewSpeakerRegistry()

	if got := r.Label("3"); got != "Speaker 3" {
		t.Errorf("Label unmapped = %q", got)
	}
	if got := r.Label(""); got != "Unknown" {
		t.Errorf("Label empty = %q", got)
	}

	r.Map("3", "Dana")
	r.Map("1", "Eve")
	r.Map("3", "Dana the Bold")

	if n, ok := r.Name("3"); !ok || n != "Dana the Bold" {
		t.Errorf("Name(3) = %q, %v", n, ok)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}

	m := r.Mappings()
	if len(m) != 2 || m[0].SpeakerID != "1" || m[1].PlayerName != "Dana the Bold" {
		t.Errorf("Mappings = %+v", m)
	}

	r.Reset()
	if r.Count() != 0 || len(r.Detected()) != 0 {
		t.Error("Reset left state behind")
	}
	if _, ok := r.Name("1"); ok {
		t.Error("mapping survived Reset")
	}
}
