package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_TransientOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", time.Millisecond, func(context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{Service: "x", Code: 503}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_GivesUpAfterOneRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", time.Millisecond, func(context.Context) error {
		calls++
		return &StatusError{Service: "x", Code: 502}
	})
	var se *StatusError
	if !errors.As(err, &se) || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	cases := []error{
		Permanent(errors.New("bad request body")),
		&StatusError{Service: "x", Code: 400},
		ErrNoBackend,
		context.Canceled,
	}
	for _, failure := range cases {
		calls := 0
		err := Retry(context.Background(), "test", time.Millisecond, func(context.Context) error {
			calls++
			return failure
		})
		if err == nil || calls != 1 {
			t.Errorf("%v: err=%v calls=%d", failure, err, calls)
		}
	}
}

func TestPermanent_KeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Permanent(cause)
	if !errors.Is(err, cause) || Transient(err) {
		t.Fatalf("err=%v", err)
	}
}
