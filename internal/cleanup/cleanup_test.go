package cleanup

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSweeper struct {
	mu        sync.Mutex
	threshold time.Duration
	calls     int
	closed    bool
}

func (f *fakeSweeper) CloseIfIdle(threshold time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = threshold
	f.calls++
	return f.closed
}

type fakeLimiter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeLimiter) Cleanup(maxAge time.Duration) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func TestCleaner_SweepIdleSessionUsesConfiguredThreshold(t *testing.T) {
	sweeper := &fakeSweeper{closed: true}
	c := New(Config{Sweeper: sweeper, IdleTimeout: 7 * time.Minute})

	c.sweepIdleSession()

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.calls != 1 {
		t.Fatalf("CloseIfIdle calls = %d, want 1", sweeper.calls)
	}
	if sweeper.threshold != 7*time.Minute {
		t.Errorf("threshold = %v, want 7m", sweeper.threshold)
	}
}

func TestCleaner_DefaultIdleTimeout(t *testing.T) {
	sweeper := &fakeSweeper{}
	c := New(Config{Sweeper: sweeper})

	c.sweepIdleSession()

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.threshold != 5*time.Minute {
		t.Errorf("threshold = %v, want default 5m", sweeper.threshold)
	}
}

func TestCleaner_ResetLimiters(t *testing.T) {
	limiter := &fakeLimiter{}
	c := New(Config{Limiter: limiter})

	c.resetLimiters()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.calls != 1 {
		t.Errorf("Cleanup calls = %d, want 1", limiter.calls)
	}
}

func TestCleaner_SweepOldLogs(t *testing.T) {
	dir := t.TempDir()

	oldLog := filepath.Join(dir, "wolframd-2020-01-01.log")
	freshLog := filepath.Join(dir, "wolframd-today.log")
	notLog := filepath.Join(dir, "keep.txt")
	for _, path := range []string{oldLog, freshLog, notLog} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	stale := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(oldLog, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Chtimes(notLog, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	c := New(Config{LogsDir: dir, LogRetention: 7 * 24 * time.Hour})
	c.sweepOldLogs()

	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Error("stale log file should have been removed")
	}
	if _, err := os.Stat(freshLog); err != nil {
		t.Error("fresh log file should survive")
	}
	if _, err := os.Stat(notLog); err != nil {
		t.Error("non-log files should never be touched")
	}
}

func TestCleaner_StartStop(t *testing.T) {
	c := New(Config{Sweeper: &fakeSweeper{}, Limiter: &fakeLimiter{}, LogsDir: t.TempDir()})
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
}
