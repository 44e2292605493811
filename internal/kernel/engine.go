package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/mathserve/wolframd/internal/logger"
	"github.com/mathserve/wolframd/internal/metrics"
)

// Engine is the public request/response contract: it accepts (code, timeout)
// pairs, routes them through the session guard and the worker, enforces the
// timeout, and always returns a structured Outcome. It never panics or
// returns an error across this boundary.
type Engine struct {
	guard          *Guard
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewEngine wraps a guard with timeout policy. defaultTimeout applies when a
// request carries none; maxTimeout caps every request (0 = no cap).
func NewEngine(guard *Guard, defaultTimeout, maxTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Engine{
		guard:          guard,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

// Execute evaluates code against the kernel with the given timeout.
//
// A timeout abandons the in-flight kernel call rather than killing it: the
// worker keeps running it in the background and the result is discarded if
// it ever arrives. Because the abandoned call may still mutate kernel state,
// the session is marked dead immediately so the next request rebuilds it.
func (e *Engine) Execute(ctx context.Context, code string, timeout time.Duration, mode Mode) Outcome {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if e.maxTimeout > 0 && timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	start := time.Now()

	if err := e.guard.Ensure(ctx); err != nil {
		logger.Error("Execute: %v", err)
		metrics.RecordEvaluation(mode.String(), "unavailable", 0)
		return Outcome{Success: false, Err: "session unavailable: " + err.Error()}
	}

	ev, err := e.guard.BeginEvaluate(code, mode)
	if err != nil {
		metrics.RecordEvaluation(mode.String(), "unavailable", 0)
		return Outcome{Success: false, Err: "session unavailable: " + err.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Every failure path below retires the session through ev.Abandon, which
	// never takes the guard mutex: a concurrent health check may hold it
	// while waiting on the worker this very call occupies, and blocking here
	// would leave that cycle with nothing to break it.
	select {
	case r := <-ev.reply:
		elapsed := time.Since(start)
		switch {
		case r.err != nil:
			ev.Abandon("transport_error")
			metrics.RecordEvaluation(mode.String(), "error", elapsed)
			logger.ErrorContext(ctx, "evaluation transport error", "error", r.err, "elapsed", elapsed)
			return Outcome{Success: false, Err: r.err.Error(), Elapsed: elapsed}
		case r.val.Failed():
			metrics.RecordEvaluation(mode.String(), "failed", elapsed)
			return Outcome{Success: false, Err: "evaluation failed", Elapsed: elapsed}
		default:
			e.guard.Touch()
			metrics.RecordEvaluation(mode.String(), "ok", elapsed)
			v := r.val
			return Outcome{Success: true, Result: &v, Elapsed: elapsed}
		}

	case <-timer.C:
		elapsed := time.Since(start)
		ev.Abandon("timeout")
		metrics.RecordEvaluation(mode.String(), "timeout", elapsed)
		logger.WarnContext(ctx, "evaluation timed out", "timeout", timeout, "elapsed", elapsed)
		return Outcome{
			Success: false,
			Err:     fmt.Sprintf("evaluation timed out after %g seconds", timeout.Seconds()),
			Elapsed: elapsed,
		}

	case <-ctx.Done():
		elapsed := time.Since(start)
		ev.Abandon("canceled")
		metrics.RecordEvaluation(mode.String(), "canceled", elapsed)
		return Outcome{
			Success: false,
			Err:     "evaluation canceled: " + ctx.Err().Error(),
			Elapsed: elapsed,
		}
	}
}

// Available reports whether a usable session can currently be established,
// creating one if needed.
func (e *Engine) Available(ctx context.Context) (bool, error) {
	if err := e.guard.Ensure(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SessionInfo returns the guard's diagnostic snapshot
func (e *Engine) SessionInfo() SessionInfo {
	return e.guard.Info()
}
