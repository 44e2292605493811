package kernel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mathserve/wolframd/internal/logger"
)

// defaultContainerKernel is the kernel entrypoint inside the stock
// Wolfram Engine image
const defaultContainerKernel = "/usr/local/bin/WolframKernel"

// DockerBinding runs the kernel inside a container with attached stdio,
// speaking the same sentinel-framed protocol as the process binding. Useful
// where the host has no kernel install but can pull the engine image.
type DockerBinding struct {
	cli   *client.Client
	image string
	grace time.Duration
}

// NewDockerBinding creates a docker binding against the environment's
// daemon. image defaults to the official Wolfram Engine image.
func NewDockerBinding(image string, grace time.Duration) (*DockerBinding, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if image == "" {
		image = "wolframresearch/wolframengine"
	}
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &DockerBinding{cli: cli, image: image, grace: grace}, nil
}

// Connect creates and starts a kernel container and attaches to its stdio
func (b *DockerBinding) Connect(ctx context.Context, kernelPath string) (Conn, error) {
	entrypoint := kernelPath
	if entrypoint == "" {
		entrypoint = defaultContainerKernel
	}

	resp, err := b.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image:        b.image,
		Entrypoint:   []string{entrypoint},
		Cmd:          []string{"-noinit", "-noprompt"},
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{"wolframd.role": "kernel"},
	}, &dockercontainer.HostConfig{
		Init: boolPtr(true),
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel container: %w", err)
	}

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = b.cli.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to kernel container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		_ = b.cli.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start kernel container: %w", err)
	}
	logger.Printf("Kernel container started: %s (image %s)", resp.ID[:12], b.image)

	// The attach stream is multiplexed; demux stdout onto a pipe the
	// reply scanner can consume. Stderr is dropped, as with the process
	// binding.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, attach.Reader)
		_ = pw.CloseWithError(err)
	}()

	return &dockerConn{
		cli:         b.cli,
		containerID: resp.ID,
		attach:      attach,
		scanner:     newReplyScanner(pr),
		grace:       b.grace,
	}, nil
}

// Ping verifies connectivity to the docker daemon
func (b *DockerBinding) Ping(ctx context.Context) error {
	_, err := b.cli.Ping(ctx)
	return err
}

// Close closes the docker client connection
func (b *DockerBinding) Close() error {
	return b.cli.Close()
}

// dockerConn is a Conn over an attached kernel container
type dockerConn struct {
	cli         *client.Client
	containerID string
	scanner     *bufio.Scanner
	grace       time.Duration

	writeMu sync.Mutex
	attach  types.HijackedResponse

	termOnce sync.Once
	termErr  error
}

func (c *dockerConn) Evaluate(expr string, mode Mode) (Value, error) {
	c.writeMu.Lock()
	_, err := io.WriteString(c.attach.Conn, frameExpr(expr, mode)+"\n")
	c.writeMu.Unlock()
	if err != nil {
		return Value{}, fmt.Errorf("kernel write: %w", err)
	}
	return readReply(c.scanner, mode)
}

// Terminate stops and removes the kernel container. Stopping tears the
// attach stream down, which unwinds any Evaluate still blocked reading.
func (c *dockerConn) Terminate() error {
	c.termOnce.Do(func() {
		c.writeMu.Lock()
		_, _ = io.WriteString(c.attach.Conn, "Quit[]\n")
		c.writeMu.Unlock()
		c.attach.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.grace+10*time.Second)
		defer cancel()

		graceSeconds := int(c.grace.Seconds())
		if err := c.cli.ContainerStop(ctx, c.containerID, dockercontainer.StopOptions{Timeout: &graceSeconds}); err != nil {
			c.termErr = fmt.Errorf("failed to stop kernel container: %w", err)
		}
		if err := c.cli.ContainerRemove(ctx, c.containerID, dockercontainer.RemoveOptions{Force: true}); err != nil && c.termErr == nil {
			c.termErr = fmt.Errorf("failed to remove kernel container: %w", err)
		}
	})
	return c.termErr
}

func boolPtr(b bool) *bool {
	return &b
}
