// Package types holds the wire/result shapes shared by both Container
// Runtime Port backends, adapted from the teacher's applecontainer
// types package to the build/run/remove/probe vocabulary of C1.
package types

import "time"

// Mount describes a bind mount passed to a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	// Flags carries the host engine's propagation/labeling flags, e.g.
	// "shared" plus SELinux relabeling ("z"/"Z") so nested bind mounts
	// created inside the container are visible back on the host.
	Flags []string
}

// Network selects the container's network mode.
type Network string

const (
	NetworkNone Network = "none"
	NetworkHost Network = "host"
)

// BuildResult is the outcome of Runtime.Build.
type BuildResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the build succeeded.
func (r BuildResult) Ok() bool { return r.ExitCode == 0 }

// RunSpec bundles the parameters of Runtime.Run.
type RunSpec struct {
	ImageTag    string
	Env         map[string]string
	Mounts      []Mount
	WorkingDir  string
	Network     Network
	CPULimit    float64
	MemoryMB    int
	TimeoutMS   int
}

// RunResult is the outcome of Runtime.Run. A negative ExitCode
// indicates a platform failure (timeout, OOM-kill, launcher error);
// TimeoutExitCode is the distinguished value spec.md §4.1 requires.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// TimeoutExitCode is returned by Runtime.Run when the watchdog kills
// the container after TimeoutMS elapses.
const TimeoutExitCode = -1

func (r RunResult) Ok() bool        { return r.ExitCode == 0 }
func (r RunResult) UserFailure() bool { return r.ExitCode > 0 }
func (r RunResult) PlatformFailure() bool { return r.ExitCode < 0 }
