package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// named is a stand-in provider that fails when err is set.
type named struct {
	name  string
	err   error
	calls int
}

func call(n *named) (string, error) {
	n.calls++
	if n.err != nil {
		return "", n.err
	}
	return n.name, nil
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		entries   []*named
		want      string
		wantErr   error
		wantCalls []int
	}{
		{
			name:      "primary succeeds",
			entries:   []*named{{name: "primary"}, {name: "backup"}},
			want:      "primary",
			wantCalls: []int{1, 0},
		},
		{
			name:      "fails over in order",
			entries:   []*named{{name: "primary", err: errTest}, {name: "second", err: errTest}, {name: "third"}},
			want:      "third",
			wantCalls: []int{1, 1, 1},
		},
		{
			name:      "all fail",
			entries:   []*named{{name: "primary", err: errTest}, {name: "backup", err: errTest}},
			wantErr:   ErrAllFailed,
			wantCalls: []int{1, 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGroup(tc.entries[0].name, tc.entries[0], BreakerConfig{})
			for _, e := range tc.entries[1:] {
				g.Add(e.name, e)
			}

			got, err := Do(context.Background(), g, call)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want %v wrapping the provider error", err, tc.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("result = %q, want %q", got, tc.want)
			}
			for i, e := range tc.entries {
				if e.calls != tc.wantCalls[i] {
					t.Errorf("%s calls = %d, want %d", e.name, e.calls, tc.wantCalls[i])
				}
			}
		})
	}
}

func TestDo_SkipsOpenBreaker(t *testing.T) {
	primary := &named{name: "primary", err: errTest}
	backup := &named{name: "backup"}
	g := NewGroup("primary", primary, BreakerConfig{MaxFailures: 2})
	g.Add("backup", backup)

	for range 4 {
		if got, err := Do(context.Background(), g, call); err != nil || got != "backup" {
			t.Fatalf("Do = %q, %v", got, err)
		}
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2 before its breaker opened", primary.calls)
	}
	if states := g.States(); states["primary"] != StateOpen || states["backup"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backup := &named{name: "backup"}
	g := NewGroup("primary", &named{name: "primary"}, BreakerConfig{})
	g.Add("backup", backup)

	_, err := Do(ctx, g, func(n *named) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if backup.calls != 0 {
		t.Error("fallback tried after the caller gave up")
	}
}

func TestGroup_Ping(t *testing.T) {
	ctx := context.Background()
	g := NewGroup("primary", &named{name: "primary", err: errTest}, BreakerConfig{MaxFailures: 1})
	g.Add("backup", &named{name: "backup", err: errTest})

	if err := g.Ping(ctx); err != nil {
		t.Fatalf("Ping before failures: %v", err)
	}
	_, _ = Do(ctx, g, call)
	if err := g.Ping(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Ping with all breakers open = %v, want ErrCircuitOpen", err)
	}
	if names := g.Names(); !slices.Equal(names, []string{"primary", "backup"}) {
		t.Errorf("Names = %v", names)
	}
}
