package session

import (
	"context"
	"testing"
	"time"
)

func TestTracker_ListSortedAndUnregister(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(1000, 0)
	unregB := tr.Register("b", Handle{Summary: func() Summary { return Summary{ID: "b", StartedAt: base.Add(time.Second)} }})
	tr.Register("a", Handle{Summary: func() Summary { return Summary{ID: "a", StartedAt: base} }})

	list := tr.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %+v", list)
	}
	unregB()
	unregB()
	if tr.Count() != 1 {
		t.Fatalf("Count = %d, want 1", tr.Count())
	}
}

func TestTracker_CancelAllAndWait(t *testing.T) {
	tr := NewTracker()
	for _, id := range []string{"a", "b", "c"} {
		var unreg func()
		unreg = tr.Register(id, Handle{Cancel: func() { go unreg() }})
	}
	if n := tr.CancelAll(); n != 3 {
		t.Fatalf("canceled %d, want 3", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatal("sessions did not drain")
	}
	if tr.Count() != 0 {
		t.Fatalf("Count = %d after drain", tr.Count())
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("stuck", Handle{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait reported drained with a live session")
	}
}

func TestTracker_WarnAll(t *testing.T) {
	tr := NewTracker()
	var got []string
	tr.Register("a", Handle{Warn: func(code, _ string) error { got = append(got, code); return nil }})
	tr.Register("b", Handle{Warn: func(string, string) error { return ErrClosed }})
	if sent := tr.WarnAll("server_shutdown", "restarting"); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(got) != 1 || got[0] != "server_shutdown" {
		t.Fatalf("warned with %v", got)
	}
}

func TestTracker_NilSafe(t *testing.T) {
	var tr *Tracker
	tr.Register("x", Handle{})()
	if tr.Count() != 0 || tr.List() != nil || tr.CancelAll() != 0 || tr.WarnAll("c", "m") != 0 {
		t.Fatal("nil tracker not inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatal("nil tracker Wait")
	}
}
