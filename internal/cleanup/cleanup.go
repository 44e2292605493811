// Package cleanup provides scheduled background maintenance for wolframd.
package cleanup

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mathserve/wolframd/internal/logger"
)

// idleSweepSpec runs every minute; limiterResetSpec and logSweepSpec hourly.
const (
	idleSweepSpec    = "* * * * *"
	limiterResetSpec = "0 * * * *"
	logSweepSpec     = "30 * * * *"
)

// SessionSweeper closes the kernel session when it has been idle too long.
type SessionSweeper interface {
	CloseIfIdle(threshold time.Duration) bool
}

// LimiterResetter drops accumulated per-client rate limiter state.
type LimiterResetter interface {
	Cleanup(maxAge time.Duration)
}

// Cleaner runs periodic maintenance jobs on cron schedules.
type Cleaner struct {
	cron         *cron.Cron
	sweeper      SessionSweeper
	limiter      LimiterResetter
	idleTimeout  time.Duration
	logsDir      string
	logRetention time.Duration
}

// Config holds maintenance configuration.
type Config struct {
	Sweeper      SessionSweeper
	Limiter      LimiterResetter
	IdleTimeout  time.Duration // Session idle threshold before teardown
	LogsDir      string        // Directory holding rotated log files
	LogRetention time.Duration // How long to keep old log files
}

// New creates a Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	retention := cfg.LogRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Cleaner{
		cron:         cron.New(),
		sweeper:      cfg.Sweeper,
		limiter:      cfg.Limiter,
		idleTimeout:  idle,
		logsDir:      cfg.LogsDir,
		logRetention: retention,
	}
}

// Start registers the maintenance jobs and begins the scheduler.
func (c *Cleaner) Start() error {
	if c.sweeper != nil {
		if _, err := c.cron.AddFunc(idleSweepSpec, c.sweepIdleSession); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		if _, err := c.cron.AddFunc(limiterResetSpec, c.resetLimiters); err != nil {
			return err
		}
	}
	if c.logsDir != "" {
		if _, err := c.cron.AddFunc(logSweepSpec, c.sweepOldLogs); err != nil {
			return err
		}
	}

	c.cron.Start()
	logger.Info("Maintenance started (idle timeout=%v, log retention=%v)", c.idleTimeout, c.logRetention)
	return nil
}

// Stop halts the scheduler and waits for any running job to finish.
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	logger.Info("Maintenance stopped")
}

// sweepIdleSession tears down the kernel session once it has sat idle past
// the threshold. A fresh session is created on the next request.
func (c *Cleaner) sweepIdleSession() {
	if c.sweeper.CloseIfIdle(c.idleTimeout) {
		logger.Info("Closed kernel session idle for more than %v", c.idleTimeout)
	}
}

// resetLimiters clears per-client limiter state to bound memory growth.
func (c *Cleaner) resetLimiters() {
	c.limiter.Cleanup(time.Hour)
}

// sweepOldLogs removes rotated log files older than the retention window.
func (c *Cleaner) sweepOldLogs() {
	cutoff := time.Now().Add(-c.logRetention)
	entries, err := os.ReadDir(c.logsDir)
	if err != nil {
		return
	}

	var removed int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.logsDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		logger.Info("Removed %d old log files", removed)
	}
}
