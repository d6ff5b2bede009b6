// Package cliengine implements the Container Runtime Port (C1) over
// the native CLI of a daemonless container engine, grounded on the
// teacher's applecontainer package: exec.CommandContext subprocess
// spawning, process-group kills on timeout, and structured slog
// logging of every invocation. CLI output is captured as plain
// stdout/stderr text; it is not parsed.
package cliengine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/dartcloud/core/internal/runtime/options"
	"github.com/dartcloud/core/internal/runtime/types"
)

// Engine is the CLI-backed Runtime implementation.
type Engine struct {
	// Binary is the daemonless container engine's CLI name, e.g.
	// "container" or "nerdctl". Defaults to "container".
	Binary string
}

// New returns a cliengine.Engine using the given binary name. An
// empty name defaults to "container".
func New(binary string) *Engine {
	if binary == "" {
		binary = "container"
	}
	return &Engine{Binary: binary}
}

func (e *Engine) bin() string {
	if e.Binary == "" {
		return "container"
	}
	return e.Binary
}

func (e *Engine) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, e.bin(), "system", "status")
	if err := cmd.Run(); err != nil {
		slog.WarnContext(ctx, "cliengine.Available: probe failed", "error", err)
		return false
	}
	return true
}

func (e *Engine) Build(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
	opts := &options.BuildOptions{File: recipePath, Tag: imageTag}
	args := append([]string{"build"}, options.ToArgs(opts)...)
	args = append(args, contextDir)

	cmd := exec.CommandContext(ctx, e.bin(), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "cliengine.Build", "cmd", strings.Join(cmd.Args, " "))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := types.BuildResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("cliengine.Build: launch failed: %w", err)
	}
	result.ExitCode = 0
	return result, nil
}

func (e *Engine) Run(ctx context.Context, spec types.RunSpec) (types.RunResult, error) {
	name := containerName(spec)
	opts := &options.RunOptions{
		Name:    name,
		Env:     spec.Env,
		WorkDir: spec.WorkingDir,
		Network: string(spec.Network),
		Remove:  true,
	}
	if spec.CPULimit > 0 {
		opts.CPUs = fmt.Sprintf("%g", spec.CPULimit)
	}
	if spec.MemoryMB > 0 {
		opts.Memory = fmt.Sprintf("%dm", spec.MemoryMB)
	}
	for _, m := range spec.Mounts {
		opts.Mount = append(opts.Mount, options.FormatMount(m.HostPath, m.ContainerPath, m.Flags))
	}

	args := append([]string{"run"}, options.ToArgs(opts)...)
	args = append(args, spec.ImageTag)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.bin(), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "cliengine.Run", "cmd", strings.Join(cmd.Args, " "), "imageTag", spec.ImageTag)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	result := types.RunResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: dur}

	if runCtx.Err() == context.DeadlineExceeded {
		e.killProcessGroup(ctx, cmd)
		e.killByName(ctx, name)
		result.ExitCode = types.TimeoutExitCode
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = types.TimeoutExitCode
		return result, fmt.Errorf("cliengine.Run: launch failed: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

// containerName derives a deterministic container name for a run from
// its working directory, which already encodes function id, version,
// and invocation id and is therefore unique per call. Container names
// are restricted to [A-Za-z0-9][A-Za-z0-9_.-]*, so path separators and
// any other disallowed byte are mapped to '-'.
func containerName(spec types.RunSpec) string {
	var sb strings.Builder
	sb.WriteString("fn-")
	for _, r := range spec.WorkingDir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// killProcessGroup terminates the subprocess's process group so any
// child processes the container CLI spawned die with it.
func (e *Engine) killProcessGroup(ctx context.Context, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		slog.WarnContext(ctx, "cliengine: getpgid failed", "error", err)
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		slog.WarnContext(ctx, "cliengine: kill process group failed", "error", err)
	}
}

// killByName kills the running container instance by the deterministic
// name containerName derived from the run's working directory, in case the CLI subprocess kill
// left the container itself running (the daemonless engine keeps
// containers alive independent of the CLI invocation that created
// them).
func (e *Engine) killByName(ctx context.Context, containerName string) {
	cmd := exec.CommandContext(ctx, e.bin(), "kill", containerName)
	if err := cmd.Run(); err != nil {
		slog.WarnContext(ctx, "cliengine: kill-by-name failed", "name", containerName, "error", err)
	}
}

func (e *Engine) RemoveImage(ctx context.Context, imageTag string) error {
	opts := &options.RemoveImageOptions{Force: true}
	args := append([]string{"image", "rm"}, options.ToArgs(opts)...)
	args = append(args, imageTag)

	cmd := exec.CommandContext(ctx, e.bin(), args...)
	slog.InfoContext(ctx, "cliengine.RemoveImage", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(output)), "no such image") {
			return nil
		}
		return fmt.Errorf("cliengine.RemoveImage: %w (output: %s)", err, output)
	}
	return nil
}

func (e *Engine) ExecProbe(ctx context.Context, imageTag string) error {
	cmd := exec.CommandContext(ctx, e.bin(), "run", "--rm", imageTag, "true")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cliengine.ExecProbe: image %s failed to boot: %w (output: %s)", imageTag, err, output)
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if ok {
		*target = exitErr
	}
	return ok
}
