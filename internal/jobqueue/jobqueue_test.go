package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"caseforge/internal/caseerr"
	"caseforge/internal/store"
)

func TestDispatchBufferUpdate(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.Enqueue(ctx, store.JobBufferUpdate, EncodeBufferUpdate(BufferUpdatePayload{GroupID: "g1", MessageID: "m1"})); err != nil {
		t.Fatal(err)
	}

	var got BufferUpdatePayload
	var calls int32
	pool := &Pool{
		Store: st,
		Disp: &Dispatcher{
			BufferUpdate: func(ctx context.Context, p BufferUpdatePayload) error {
				got = p
				atomic.AddInt32(&calls, 1)
				return nil
			},
		},
		Config: Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond, LeaseTime: time.Second},
	}

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_ = pool.Run(runCtx)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected dispatch called once, got %d", calls)
	}
	if got.GroupID != "g1" || got.MessageID != "m1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestTerminalFailureDoesNotRetry(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.Enqueue(ctx, store.JobMaybeRespond, EncodeMaybeRespond(MaybeRespondPayload{GroupID: "g1", MessageID: "m1"})); err != nil {
		t.Fatal(err)
	}

	var calls int32
	pool := &Pool{
		Store: st,
		Disp: &Dispatcher{
			MaybeRespond: func(ctx context.Context, p MaybeRespondPayload) error {
				atomic.AddInt32(&calls, 1)
				return caseerr.Wrap(caseerr.ErrTerminal, "handle", context.DeadlineExceeded)
			},
		},
		Config: Config{WorkerCount: 1, PollInterval: 5 * time.Millisecond, LeaseTime: time.Second, MaxAttempts: 5},
	}

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = pool.Run(runCtx)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one attempt for a terminal failure, got %d", calls)
	}
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.Enqueue(ctx, store.JobBufferUpdate, EncodeBufferUpdate(BufferUpdatePayload{GroupID: "g1", MessageID: "m1"})); err != nil {
		t.Fatal(err)
	}

	var calls int32
	pool := &Pool{
		Store: st,
		Disp: &Dispatcher{
			BufferUpdate: func(ctx context.Context, p BufferUpdatePayload) error {
				n := atomic.AddInt32(&calls, 1)
				if n < 3 {
					return caseerr.Wrap(caseerr.ErrTransient, "handle", context.DeadlineExceeded)
				}
				return nil
			},
		},
		Config: Config{WorkerCount: 1, PollInterval: 5 * time.Millisecond, LeaseTime: 10 * time.Millisecond, BaseBackoff: time.Millisecond, MaxAttempts: 5},
	}

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_ = pool.Run(runCtx)

	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least 3 attempts before success, got %d", calls)
	}
}
