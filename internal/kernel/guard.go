package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mathserve/wolframd/internal/logger"
	"github.com/mathserve/wolframd/internal/metrics"
)

var (
	// ErrSessionUnavailable means session creation or recreation exhausted
	// every retry; the engine is currently unable to serve any request.
	ErrSessionUnavailable = errors.New("wolfram session unavailable")

	// ErrClosed means the guard was shut down and will not recreate
	ErrClosed = errors.New("session guard closed")
)

const (
	// probeExpr is the cheap deterministic liveness check
	probeExpr = "1 + 1"
	// probeWant is the only reply a live kernel gives for probeExpr
	probeWant = "2"
	// warmupExpr forces full kernel initialization at creation time and
	// yields the version string served from Info
	warmupExpr = "$Version"
)

// GuardConfig configures a session guard
type GuardConfig struct {
	Binding     Binding
	Worker      *Worker
	KernelPath  string        // optional; binding default when empty
	MaxRetries  int           // creation attempts per Ensure call (default 3)
	BackoffBase time.Duration // backoff unit; attempt n sleeps base*2^(n-1) (default 1s)
}

// Guard is the mutual-exclusion and lifecycle authority for the one logical
// kernel session. Every caller that wants a usable session goes through
// Ensure; the guard alone creates, health-checks, recreates and tears down
// the underlying connection, and at most one connection exists at a time.
//
// The guard's mutex covers Ensure and the lifecycle transitions only, never
// a full evaluation: evaluations are serialized by the worker, so health
// checks do not queue behind slow user code any longer than the worker's
// own queue forces them to.
type Guard struct {
	binding     Binding
	worker      *Worker
	kernelPath  string
	maxRetries  int
	backoffBase time.Duration

	mu           sync.Mutex
	conn         Conn
	state        State
	createdAt    time.Time
	lastActivity time.Time
	version      string
}

// NewGuard creates a session guard. The session itself is created lazily on
// the first Ensure call.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Guard{
		binding:     cfg.Binding,
		worker:      cfg.Worker,
		kernelPath:  cfg.KernelPath,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		state:       StateAbsent,
	}
}

// Ensure guarantees a verified-live session or fails after exhausting
// retries. Concurrent callers serialize here; that is intentional, because
// kernel session creation is itself not concurrency-safe. A READY session
// is re-probed on every call, and a probe failure triggers exactly one
// recreation pass before giving up.
func (g *Guard) Ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateClosed {
		return ErrClosed
	}

	if g.conn != nil && g.state == StateReady {
		v, err := g.evalLocked(ctx, probeExpr)
		if err == nil && strings.TrimSpace(v.Raw) == probeWant {
			g.lastActivity = time.Now()
			return nil
		}
		if err == nil {
			err = fmt.Errorf("probe returned %q", v.Raw)
		}
		logger.Printf("Session health check failed: %v, recreating session", err)
		metrics.RecordKernelRestart("probe_failed")
		g.teardownLocked(StateDead, false)
	}

	return g.createLocked(ctx)
}

// createLocked runs the bounded create-probe-warmup loop. Caller holds mu.
func (g *Guard) createLocked(ctx context.Context) error {
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		start := time.Now()
		g.state = StateInitializing

		err := g.attemptLocked(ctx, start)
		if err == nil {
			return nil
		}

		logger.Error("Session creation attempt %d failed: %v", attempt, err)
		g.teardownLocked(StateAbsent, true)

		if ctx.Err() != nil {
			return fmt.Errorf("session creation canceled: %w", ctx.Err())
		}
		if attempt < g.maxRetries {
			delay := g.backoffBase << (attempt - 1)
			if err := sleepCtx(ctx, delay); err != nil {
				return fmt.Errorf("session creation canceled: %w", err)
			}
		}
	}

	logger.Error("All %d session creation attempts failed", g.maxRetries)
	return ErrSessionUnavailable
}

// attemptLocked performs one create + probe + warm-up sequence
func (g *Guard) attemptLocked(ctx context.Context, start time.Time) error {
	conn, err := g.binding.Connect(ctx, g.kernelPath)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	g.conn = conn

	v, err := g.evalLocked(ctx, probeExpr)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if strings.TrimSpace(v.Raw) != probeWant {
		return fmt.Errorf("probe returned %q, want %q", v.Raw, probeWant)
	}

	// Warm-up: pay the full initialization cost now, not on the first
	// caller's real request.
	ver, err := g.evalLocked(ctx, warmupExpr)
	if err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}

	now := time.Now()
	g.version = strings.Trim(strings.TrimSpace(ver.Raw), `"`)
	g.state = StateReady
	g.createdAt = now
	g.lastActivity = now
	metrics.SetKernelUp(true)
	logger.Printf("Session created in %.3fs (kernel %s)", time.Since(start).Seconds(), g.version)
	return nil
}

// evalLocked runs one expression on the worker and waits for it. If ctx is
// canceled the call is abandoned, not interrupted. Caller holds mu.
func (g *Guard) evalLocked(ctx context.Context, expr string) (Value, error) {
	conn := g.conn
	if conn == nil {
		return Value{}, ErrSessionUnavailable
	}
	reply, err := g.worker.Submit(func() (Value, error) {
		return conn.Evaluate(expr, ModeExpression)
	})
	if err != nil {
		return Value{}, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return Value{}, ctx.Err()
	}
}

// teardownLocked clears the connection reference and terminates the old
// connection best-effort. Termination runs directly rather than on the
// worker: the worker may be occupied by an abandoned call against this very
// connection, and tearing the transport down is what unwinds it. Conn
// implementations guarantee Terminate is safe alongside a blocked Evaluate.
// Caller holds mu.
func (g *Guard) teardownLocked(next State, wait bool) {
	conn := g.conn
	g.conn = nil
	g.state = next
	metrics.SetKernelUp(false)
	if conn == nil {
		return
	}

	terminate := func() {
		if err := conn.Terminate(); err != nil {
			logger.Printf("Error terminating session: %v", err)
		}
	}
	if wait {
		terminate()
	} else {
		go terminate()
	}
}

// evaluation is one in-flight kernel call handed out by BeginEvaluate. It
// pins the connection the call runs on, so the caller can retire exactly
// that connection without consulting guard state.
type evaluation struct {
	reply <-chan evalResult
	conn  Conn
	guard *Guard
}

// Abandon retires the session behind a call that will no longer be waited
// on. It must not take the guard mutex on the caller's path: the mutex may
// be held by a caller whose health probe is queued behind this very call,
// and terminating the transport is what unwinds both. The connection is
// torn down in the background and guard state reconciled once the mutex
// frees up; the timed-out caller returns immediately.
func (ev *evaluation) Abandon(reason string) {
	logger.Printf("Marking session dead: %s", reason)
	metrics.RecordKernelRestart(reason)
	go func() {
		if err := ev.conn.Terminate(); err != nil {
			logger.Printf("Error terminating session: %v", err)
		}
		ev.guard.retire(ev.conn)
	}()
}

// retire marks the session dead if conn is still current. The connection
// itself has already been terminated by Abandon; a conn that was replaced
// in the meantime belongs to a newer session and is left alone.
func (g *Guard) retire(conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != conn || g.state == StateClosed {
		return
	}
	g.conn = nil
	g.state = StateDead
	metrics.SetKernelUp(false)
}

// BeginEvaluate submits one evaluation of code to the worker and returns a
// handle carrying the result channel. The caller is expected to have called
// Ensure first; if the session vanished in between, ErrSessionUnavailable
// is returned. Submission counts as activity for the idle sweep.
func (g *Guard) BeginEvaluate(code string, mode Mode) (*evaluation, error) {
	g.mu.Lock()
	conn := g.conn
	ready := g.state == StateReady
	if ready {
		g.lastActivity = time.Now()
	}
	g.mu.Unlock()

	if conn == nil || !ready {
		return nil, ErrSessionUnavailable
	}
	reply, err := g.worker.Submit(func() (Value, error) {
		return conn.Evaluate(code, mode)
	})
	if err != nil {
		return nil, err
	}
	return &evaluation{reply: reply, conn: conn, guard: g}, nil
}

// Touch stamps last-activity time after a successful evaluation
func (g *Guard) Touch() {
	g.mu.Lock()
	g.lastActivity = time.Now()
	g.mu.Unlock()
}

// MarkDead discards the current session so the next Ensure rebuilds it.
// It takes the guard mutex, so it must not be called from a path that may
// be blocking the worker; a caller holding an in-flight evaluation retires
// the session through evaluation.Abandon instead.
func (g *Guard) MarkDead(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateClosed || g.conn == nil {
		return
	}
	logger.Printf("Marking session dead: %s", reason)
	metrics.RecordKernelRestart(reason)
	g.teardownLocked(StateDead, false)
}

// CloseIfIdle tears the session down when it has been inactive for at least
// threshold. Reports whether a teardown happened. Invoked by the
// maintenance sweep; the guard runs no timers of its own. A session with an
// evaluation still running on the worker is never idle, however long the
// evaluation takes.
func (g *Guard) CloseIfIdle(threshold time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateReady || g.conn == nil || g.worker.Busy() {
		return false
	}
	idle := time.Since(g.lastActivity)
	if idle < threshold {
		return false
	}
	logger.Printf("Closing idle session (inactive %.0fs)", idle.Seconds())
	g.teardownLocked(StateAbsent, false)
	return true
}

// Close tears the session down for good. Ensure fails with ErrClosed
// afterwards; the guard is never re-entered.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateClosed {
		return nil
	}
	g.teardownLocked(StateClosed, true)
	logger.Println("Session guard closed")
	return nil
}

// Info returns a diagnostic snapshot without touching the kernel. The
// version string is the one captured at warm-up, so diagnostics never queue
// behind real evaluations.
func (g *Guard) Info() SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	info := SessionInfo{
		Active:        g.state == StateReady,
		State:         g.state.String(),
		CreatedAt:     g.createdAt,
		LastActivity:  g.lastActivity,
		KernelVersion: g.version,
	}
	if !g.lastActivity.IsZero() {
		info.IdleFor = time.Since(g.lastActivity)
		info.IdleSeconds = info.IdleFor.Seconds()
	}
	return info
}

// sleepCtx sleeps for d unless ctx is canceled first
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
