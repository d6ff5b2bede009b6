package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dartcloud/core/internal/runtime/types"
)

// Client is the sidecar-backed Runtime implementation. It owns the
// lifecycle of the helper process: spawned lazily on first use,
// health-checked, restarted on transport failure, and terminated on
// Shutdown.
type Client struct {
	SocketPath  string
	HelperPath  string
	DialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Scanner
	cmd     *exec.Cmd
	nextID  atomic.Uint64
	started bool
}

// NewClient returns a sidecar client that dials socketPath, spawning
// the helper binary at helperPath if nothing is listening yet.
func NewClient(socketPath, helperPath string) *Client {
	return &Client{SocketPath: socketPath, HelperPath: helperPath, DialTimeout: 5 * time.Second}
}

func (c *Client) Available(ctx context.Context) bool {
	if err := c.ensureConn(ctx); err != nil {
		return false
	}
	_, err := c.call(ctx, OpPing, nil)
	return err == nil
}

func (c *Client) Build(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
	args := BuildArgs{ContextDir: contextDir, RecipePath: recipePath, ImageTag: imageTag}
	raw, err := c.call(ctx, OpBuild, args)
	if err != nil {
		return types.BuildResult{}, err
	}
	var r BuildResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.BuildResult{}, fmt.Errorf("sidecar.Build: decode result: %w", err)
	}
	return types.BuildResult{ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}, nil
}

func (c *Client) Run(ctx context.Context, spec types.RunSpec) (types.RunResult, error) {
	args := RunArgs{
		ImageTag:   spec.ImageTag,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Network:    string(spec.Network),
		CPULimit:   spec.CPULimit,
		MemoryMB:   spec.MemoryMB,
		TimeoutMS:  spec.TimeoutMS,
	}
	for _, m := range spec.Mounts {
		args.Mounts = append(args.Mounts, MountArg{HostPath: m.HostPath, ContainerPath: m.ContainerPath, Flags: m.Flags})
	}

	// The client dial/request itself also enforces the deadline, in
	// case the helper hangs without honoring TimeoutMS internally.
	callCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS+2000)*time.Millisecond)
		defer cancel()
	}

	raw, err := c.call(callCtx, OpRun, args)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return types.RunResult{ExitCode: types.TimeoutExitCode}, nil
		}
		return types.RunResult{}, err
	}
	var r RunResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.RunResult{}, fmt.Errorf("sidecar.Run: decode result: %w", err)
	}
	return types.RunResult{
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Duration: time.Duration(r.DurationMS) * time.Millisecond,
	}, nil
}

func (c *Client) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := c.call(ctx, OpRemoveImage, RemoveImageArgs{ImageTag: imageTag})
	return err
}

func (c *Client) ExecProbe(ctx context.Context, imageTag string) error {
	_, err := c.call(ctx, OpExecProbe, ExecProbeArgs{ImageTag: imageTag})
	return err
}

// Shutdown closes the connection and terminates any helper process
// this client spawned.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
		c.cmd = nil
	}
}

func (c *Client) call(ctx context.Context, op Op, args any) (json.RawMessage, error) {
	if err := c.ensureConn(ctx); err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}

	var raw json.RawMessage
	if args != nil {
		var err error
		raw, err = json.Marshal(args)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}

	id := c.nextID.Add(1)
	req := Request{ID: id, Op: op, Args: raw}
	enc := json.NewEncoder(c.conn)
	if err := enc.Encode(req); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("sidecar: write request: %w", err)
	}

	if !c.reader.Scan() {
		err := c.reader.Err()
		c.closeLocked()
		if err == nil {
			err = errors.New("connection closed by sidecar")
		}
		return nil, fmt.Errorf("sidecar: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("sidecar: decode response: %w", err)
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ensureConn dials the socket, spawning the helper on first use and
// restarting the connection after a transport failure.
func (c *Client) ensureConn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", c.SocketPath, c.DialTimeout)
	if err != nil {
		if c.HelperPath == "" {
			return fmt.Errorf("dial sidecar socket %s: %w", c.SocketPath, err)
		}
		if err := c.spawnHelper(); err != nil {
			return fmt.Errorf("spawn sidecar helper: %w", err)
		}
		conn, err = c.waitForSocket(ctx)
		if err != nil {
			return err
		}
	}

	c.conn = conn
	c.reader = bufio.NewScanner(conn)
	c.reader.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return nil
}

func (c *Client) spawnHelper() error {
	// A helper this client spawned earlier is no longer reachable;
	// terminate it so its replacement can take the socket lock.
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
		c.cmd = nil
	}
	cmd := exec.Command(c.HelperPath, "--socket", c.SocketPath)
	if err := cmd.Start(); err != nil {
		return err
	}
	c.cmd = cmd
	c.started = true
	slog.Info("sidecar: spawned helper process", "path", c.HelperPath, "socket", c.SocketPath, "pid", cmd.Process.Pid)
	return nil
}

func (c *Client) waitForSocket(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(c.DialTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("unix", c.SocketPath, 200*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("sidecar helper did not bind %s within %s", c.SocketPath, c.DialTimeout)
}
