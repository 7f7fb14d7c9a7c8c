package pipeline

import (
	"errors"
	"testing"
)

func TestRouter(t *testing.T) {
	r := NewRouter(map[string]int{"a": 1, "b": 2}, "b")
	if v, _ := r.Route("a"); v != 1 {
		t.Fatalf("a=%d", v)
	}
	if v, _ := r.Route("missing"); v != 2 {
		t.Fatalf("fallback=%d", v)
	}
	if got := r.Engines(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("engines=%v", got)
	}

	empty := NewRouter[int](nil, "x")
	if _, err := empty.Route("y"); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err=%v", err)
	}
}
