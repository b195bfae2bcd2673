package transcript

import "testing"

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()

	names := []string{"Eldrinax", "Grimjaw", "Tower of Whispers"}
	c := NewCorrector(nil)

	tests := []struct {
		name            string
		text            string
		want            string
		wantCorrections int
	}{
		{
			name:            "split single-word name",
			text:            "we ask elder nacks for help",
			want:            "we ask Eldrinax for help",
			wantCorrections: 1,
		},
		{
			name:            "multi-word name keeps punctuation",
			text:            "we head to the tower of wispers.",
			want:            "we head to the Tower of Whispers.",
			wantCorrections: 1,
		},
		{
			name: "exact name is not a correction",
			text: "Grimjaw swings his axe",
			want: "Grimjaw swings his axe",
		},
		{
			name: "unrelated text untouched",
			text: "roll for initiative please",
			want: "roll for initiative please",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, corrections := c.Correct(tc.text, names)
			if got != tc.want {
				t.Errorf("Correct(%q) = %q, want %q", tc.text, got, tc.want)
			}
			if len(corrections) != tc.wantCorrections {
				t.Errorf("corrections = %+v, want %d", corrections, tc.wantCorrections)
			}
		})
	}
}

func TestCorrector_NoNames(t *testing.T) {
	t.Parallel()

	text := "  spacing   is   preserved  "
	got, corrections := NewCorrector(nil).Correct(text, nil)
	if got != text {
		t.Errorf("Correct = %q, want input unchanged", got)
	}
	if corrections == nil || len(corrections) != 0 {
		t.Errorf("corrections = %v, want empty non-nil", corrections)
	}
}

func TestSplitPunct(t *testing.T) {
	t.Parallel()

	lead, words, trail := splitPunct([]string{"\"tower", "of", "wispers!\""})
	if lead != "\"" || trail != "!\"" {
		t.Errorf("lead=%q trail=%q", lead, trail)
	}
	if len(words) != 3 || words[0] != "tower" || words[2] != "wispers" {
		t.Errorf("words = %v", words)
	}

	if _, words, _ := splitPunct([]string{"--"}); words != nil {
		t.Errorf("pure punctuation should yield no words, got %v", words)
	}
}
