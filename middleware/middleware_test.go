package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhollow/worldqueue/middleware"
	"github.com/emberhollow/worldqueue/work"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItem(opts ...work.Option) *work.Item {
	return work.New("world.civic_stats", []byte(`{}`), opts...)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) middleware.Middleware {
		return func(ctx context.Context, it *work.Item, next middleware.Handler) error {
			order = append(order, name+" in")
			err := next(ctx)
			order = append(order, name+" out")
			return err
		}
	}

	chain := middleware.Chain(mw("outer"), mw("inner"))
	err := chain(context.Background(), testItem(), func(ctx context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"outer in", "inner in", "handler", "inner out", "outer out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEmptyChainCallsHandler(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), testItem(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestLoggingPassesErrorThrough(t *testing.T) {
	handlerErr := errors.New("stats host unreachable")
	err := middleware.Logging(discardLogger())(context.Background(), testItem(), func(ctx context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Errorf("err = %v, want handler error", err)
	}
}

func TestRecoverConvertsPanic(t *testing.T) {
	err := middleware.Recover(discardLogger())(context.Background(), testItem(), func(ctx context.Context) error {
		panic("nil map write")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !strings.Contains(err.Error(), "panic") || !strings.Contains(err.Error(), "nil map write") {
		t.Errorf("err = %q, want panic wrapped with cause", err)
	}
}

func TestRecoverLeavesSuccessAlone(t *testing.T) {
	err := middleware.Recover(discardLogger())(context.Background(), testItem(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestTimeoutCancelsSlowHandler(t *testing.T) {
	it := testItem(work.WithTimeout(20 * time.Millisecond))
	err := middleware.Timeout(discardLogger())(context.Background(), it, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeoutZeroMeansUnlimited(t *testing.T) {
	it := testItem(work.WithTimeout(0))
	err := middleware.Timeout(discardLogger())(context.Background(), it, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestMetricsRecordsExecutions(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	mw := middleware.Metrics(reg)

	ctx := context.Background()
	mw(ctx, testItem(), func(ctx context.Context) error { return nil })
	mw(ctx, testItem(), func(ctx context.Context) error { return errors.New("boom") })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
		if fam.GetName() == "worldqueue_item_executions_total" {
			var total float64
			for _, m := range fam.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			if total != 2 {
				t.Errorf("executions total = %v, want 2", total)
			}
		}
	}
	for _, name := range []string{"worldqueue_item_duration_seconds", "worldqueue_item_executions_total"} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestTracingPassesErrorThrough(t *testing.T) {
	handlerErr := errors.New("boom")
	err := middleware.Tracing()(context.Background(), testItem(), func(ctx context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Errorf("err = %v, want handler error", err)
	}
}
