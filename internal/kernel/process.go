package kernel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mathserve/wolframd/internal/logger"
)

// kernelNames are tried on PATH when no explicit kernel path is configured
var kernelNames = []string{"WolframKernel", "wolframkernel", "wolfram", "math"}

// ProcessBinding launches the kernel as a local child process and speaks the
// sentinel-framed protocol over its stdio. This is the default binding.
type ProcessBinding struct {
	grace time.Duration
}

// NewProcessBinding creates a process binding. grace bounds how long
// Terminate waits for a clean Quit[] before killing the process.
func NewProcessBinding(grace time.Duration) *ProcessBinding {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &ProcessBinding{grace: grace}
}

// Connect spawns the kernel executable and waits for it to accept input.
// With an empty kernelPath, $WOLFRAM_KERNEL_PATH is consulted, then PATH.
func (b *ProcessBinding) Connect(ctx context.Context, kernelPath string) (Conn, error) {
	path, err := resolveKernelPath(kernelPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, "-noinit", "-noprompt")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kernel %s: %w", path, err)
	}
	logger.Printf("Kernel process started: %s (pid %d)", path, cmd.Process.Pid)

	return &processConn{
		cmd:     cmd,
		stdin:   stdin,
		scanner: newReplyScanner(stdout),
		grace:   b.grace,
	}, nil
}

// resolveKernelPath picks the kernel executable for this environment
func resolveKernelPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("WOLFRAM_KERNEL_PATH"); env != "" {
		return env, nil
	}
	for _, name := range kernelNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no kernel executable found; set kernel.path or WOLFRAM_KERNEL_PATH")
}

// processConn is a Conn over a local kernel process. Evaluate is only ever
// called from the worker goroutine; the write mutex exists solely so that
// Terminate can run while an Evaluate is blocked reading.
type processConn struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	grace   time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	termOnce sync.Once
	termErr  error
}

func (c *processConn) Evaluate(expr string, mode Mode) (Value, error) {
	c.writeMu.Lock()
	_, err := io.WriteString(c.stdin, frameExpr(expr, mode)+"\n")
	c.writeMu.Unlock()
	if err != nil {
		return Value{}, fmt.Errorf("kernel write: %w", err)
	}
	return readReply(c.scanner, mode)
}

// Terminate asks the kernel to quit, then kills it after the grace period.
// Closing stdin unwinds any Evaluate still blocked on the reply. Safe to
// call more than once and concurrently with a blocked Evaluate.
func (c *processConn) Terminate() error {
	c.termOnce.Do(func() {
		c.writeMu.Lock()
		_, _ = io.WriteString(c.stdin, "Quit[]\n")
		_ = c.stdin.Close()
		c.writeMu.Unlock()

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()

		select {
		case err := <-done:
			c.termErr = err
		case <-time.After(c.grace):
			_ = c.cmd.Process.Kill()
			c.termErr = fmt.Errorf("kernel did not quit within %s, killed", c.grace)
			<-done
		}
	})
	return c.termErr
}
