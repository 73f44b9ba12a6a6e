package mission

import "testing"

func TestQueue_AdvanceStopsAtLastGoal(t *testing.T) {
	q := NewQueue([]Goal{
		{Name: "a", Target: Pose{Lat: 1}},
		{Name: "b", Target: Pose{Lat: 2}},
		{Name: "c", Target: Pose{Lat: 3}},
	})

	if q.Cursor() != 0 {
		t.Fatalf("cursor: got %d, want 0", q.Cursor())
	}
	if !q.Advance() {
		t.Fatal("Advance at goal 0: got false, want true")
	}
	if !q.Advance() {
		t.Fatal("Advance at goal 1: got false, want true")
	}
	if q.Advance() {
		t.Fatal("Advance at last goal: got true, want false")
	}
	// The cursor stays on the final goal so a finished mission reports
	// index 2, not 3.
	if q.Cursor() != 2 {
		t.Errorf("cursor after exhausting queue: got %d, want 2", q.Cursor())
	}
	g, ok := q.Current()
	if !ok || g.Name != "c" {
		t.Errorf("Current: got %q ok=%v, want c true", g.Name, ok)
	}
}

func TestQueue_CopiesInput(t *testing.T) {
	src := []Goal{{Name: "a"}}
	q := NewQueue(src)
	src[0].Name = "mutated"

	g, _ := q.Current()
	if g.Name != "a" {
		t.Errorf("queue shares backing slice with caller: got %q", g.Name)
	}

	out := q.Goals()
	out[0].Name = "mutated"
	g, _ = q.Current()
	if g.Name != "a" {
		t.Errorf("Goals returns live slice: got %q", g.Name)
	}
}

func TestQueue_EmptyCurrent(t *testing.T) {
	q := NewQueue(nil)
	if _, ok := q.Current(); ok {
		t.Error("Current on empty queue: got ok=true")
	}
	if q.Advance() {
		t.Error("Advance on empty queue: got true")
	}
}
