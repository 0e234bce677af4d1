package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout(t *testing.T) {
	errHandler := errors.New("handler failed")
	tests := []struct {
		name    string
		timeout time.Duration
		fn      func(context.Context) error
		wantErr error
	}{
		{
			name:    "fast success",
			timeout: time.Second,
			fn:      func(context.Context) error { return nil },
		},
		{
			name:    "error passes through",
			timeout: time.Second,
			fn:      func(context.Context) error { return errHandler },
			wantErr: errHandler,
		},
		{
			name:    "slow handler ignoring its context",
			timeout: 20 * time.Millisecond,
			fn: func(context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			},
			wantErr: ErrTimeout,
		},
		{
			name:    "no timeout runs inline",
			timeout: 0,
			fn: func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); ok {
					return errors.New("unexpected deadline")
				}
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithTimeout(context.Background(), tt.timeout, tt.fn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWithTimeout_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithTimeout(ctx, time.Second, func(runCtx context.Context) error {
		<-runCtx.Done()
		time.Sleep(50 * time.Millisecond)
		return runCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout_HandlerSeesDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
