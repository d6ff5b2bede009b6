package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dartcloud/core/internal/runtime"
	"github.com/dartcloud/core/internal/runtime/types"
)

// Server runs the sidecar helper process: it listens on a Unix socket
// and dispatches line-delimited JSON requests to a backing Runtime
// (typically a cliengine.Engine — the sidecar exists to isolate the
// container-engine CLI's process lifecycle from the invoking process,
// not to change how containers are actually built/run).
type Server struct {
	SocketPath string
	Backend    runtime.Runtime

	listener net.Listener
	lockFile *os.File
}

// NewServer returns a sidecar Server bound to socketPath, delegating
// operations to backend.
func NewServer(socketPath string, backend runtime.Runtime) *Server {
	return &Server{SocketPath: socketPath, Backend: backend}
}

// Serve acquires an exclusive lock guaranteeing a single daemon per
// socket, listens, and blocks until ctx is cancelled or a termination
// signal arrives.
func (s *Server) Serve(ctx context.Context) error {
	lockPath := s.SocketPath + ".lock"
	lockFile, err := acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("sidecar.Serve: acquire lock: %w", err)
	}
	s.lockFile = lockFile

	os.Remove(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("sidecar.Serve: listen: %w", err)
	}
	s.listener = listener

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
		}
		s.Shutdown()
	}()

	slog.InfoContext(ctx, "sidecar.Serve listening", "socket", s.SocketPath, "pid", os.Getpid())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.WarnContext(ctx, "sidecar.Serve accept error", "error", err)
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Shutdown closes the listener and releases the lock file.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)
	if s.lockFile != nil {
		syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		s.lockFile.Close()
		os.Remove(s.lockFile.Name())
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)

	// Single request in flight per connection, per §4.1.
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			slog.WarnContext(ctx, "sidecar: write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{ID: req.ID, OK: true}

	case OpBuild:
		var args BuildArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResp(req.ID, err)
		}
		result, err := s.Backend.Build(ctx, args.ContextDir, args.RecipePath, args.ImageTag)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, BuildResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr})

	case OpRun:
		var args RunArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResp(req.ID, err)
		}
		spec := types.RunSpec{
			ImageTag:   args.ImageTag,
			Env:        args.Env,
			WorkingDir: args.WorkingDir,
			Network:    types.Network(args.Network),
			CPULimit:   args.CPULimit,
			MemoryMB:   args.MemoryMB,
			TimeoutMS:  args.TimeoutMS,
		}
		for _, m := range args.Mounts {
			spec.Mounts = append(spec.Mounts, types.Mount{
				HostPath:      m.HostPath,
				ContainerPath: m.ContainerPath,
				Flags:         m.Flags,
			})
		}
		result, err := s.Backend.Run(ctx, spec)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, RunResult{
			ExitCode:   result.ExitCode,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			DurationMS: result.Duration.Milliseconds(),
		})

	case OpRemoveImage:
		var args RemoveImageArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResp(req.ID, err)
		}
		if err := s.Backend.RemoveImage(ctx, args.ImageTag); err != nil {
			return errResp(req.ID, err)
		}
		return Response{ID: req.ID, OK: true}

	case OpExecProbe:
		var args ExecProbeArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResp(req.ID, err)
		}
		if err := s.Backend.ExecProbe(ctx, args.ImageTag); err != nil {
			return errResp(req.ID, err)
		}
		return Response{ID: req.ID, OK: true}

	default:
		return Response{ID: req.ID, OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func okResp(id uint64, v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errResp(id, err)
	}
	return Response{ID: id, OK: true, Result: raw}
}

func errResp(id uint64, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another sidecar daemon already holds %s: %w", path, err)
	}
	return f, nil
}
