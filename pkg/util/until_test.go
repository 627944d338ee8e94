package util

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func TestUntilCanceledRetriesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	err := UntilCanceled(ctx, zerolog.Nop(), "test loop", func() error {
		calls++
		if calls == 3 {
			cancel()
			return nil
		}
		return errors.New("broken")
	})
	if err != nil {
		t.Fatalf("UntilCanceled: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d; want 3", calls)
	}
}

func TestUntilCanceledStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	if err := UntilCanceled(ctx, zerolog.Nop(), "test loop", func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("UntilCanceled: %v", err)
	}
	if called {
		t.Fatalf("callback invoked after cancel")
	}
}
