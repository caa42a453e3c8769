package schwartz

import (
	"context"
	"errors"
	"testing"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	mk := func(name string) Middleware {
		return func(ctx context.Context, _ *Job, next Handler) error {
			trace = append(trace, name+":in")
			err := next(ctx)
			trace = append(trace, name+":out")
			return err
		}
	}

	chained := Chain(mk("outer"), mk("inner"))
	err := chained(context.Background(), &Job{}, func(_ context.Context) error {
		trace = append(trace, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain error = %v", err)
	}

	want := []string{"outer:in", "inner:in", "handler", "inner:out", "outer:out"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestChainShortCircuits(t *testing.T) {
	stop := errors.New("stop here")
	reached := false
	chained := Chain(
		func(_ context.Context, _ *Job, _ Handler) error { return stop },
	)
	err := chained(context.Background(), &Job{}, func(_ context.Context) error {
		reached = true
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("chain error = %v, want stop", err)
	}
	if reached {
		t.Error("handler ran despite short-circuit")
	}
}

func TestChainEmpty(t *testing.T) {
	ran := false
	err := Chain()(context.Background(), &Job{}, func(_ context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("empty chain: ran=%v err=%v, want true, nil", ran, err)
	}
}
