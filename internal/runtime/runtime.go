// Package runtime defines the Container Runtime Port (C1): a uniform
// interface to build/run/remove images and probe a daemonless
// container engine, with two interchangeable backends — a native-CLI
// implementation (internal/runtime/cliengine) and a sidecar-process
// implementation reached over a Unix socket (internal/runtime/sidecar).
package runtime

import (
	"context"

	"github.com/dartcloud/core/internal/runtime/types"
)

// Runtime is the abstract capability set the rest of the core depends
// on. Implementations must be safe for concurrent use across distinct
// image tags and container instances.
type Runtime interface {
	// Build runs the build recipe at recipePath against contextDir and
	// tags the result imageTag. May take minutes.
	Build(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error)

	// Run runs a container to completion under the given spec. On
	// timeout the implementation kills the container and returns
	// types.TimeoutExitCode.
	Run(ctx context.Context, spec types.RunSpec) (types.RunResult, error)

	// RemoveImage deletes imageTag. Idempotent: a missing image is not
	// an error.
	RemoveImage(ctx context.Context, imageTag string) error

	// ExecProbe runs a cheap no-op command inside a freshly built
	// image to confirm it boots, without the full invocation contract.
	ExecProbe(ctx context.Context, imageTag string) error

	// Available is a cheap health probe. Implementations return false
	// on any transport error rather than returning an error.
	Available(ctx context.Context) bool
}
