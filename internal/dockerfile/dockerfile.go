// Package dockerfile generates the build recipes C1 hands to the
// container runtime. Both Generate and GenerateDev are pure functions
// of their Params — no I/O, no filesystem access — per §4.4.
package dockerfile

import (
	"fmt"
	"strings"
)

// Params parameterizes recipe generation. BuildImage and RuntimeImage
// default to Dart's published SDK and a slim Debian base respectively
// when left blank, matching the build recipe described in §4.4.
type Params struct {
	BuildImage     string
	RuntimeImage   string
	BuildStageTag  string
	EntryPoint     string // defaults to main.dart
	MountPoint     string // container-side working dir, e.g. shared volume mount point
	ExecutableName string // defaults to server
}

const (
	defaultBuildImage     = "dart:stable"
	defaultRuntimeImage   = "debian:bookworm-slim"
	defaultBuildStageTag  = "builder"
	defaultEntryPoint     = "main.dart"
	defaultExecutableName = "server"
	defaultMountPoint     = "/app"
)

func (p Params) withDefaults() Params {
	if p.BuildImage == "" {
		p.BuildImage = defaultBuildImage
	}
	if p.RuntimeImage == "" {
		p.RuntimeImage = defaultRuntimeImage
	}
	if p.BuildStageTag == "" {
		p.BuildStageTag = defaultBuildStageTag
	}
	if p.EntryPoint == "" {
		p.EntryPoint = defaultEntryPoint
	}
	if p.ExecutableName == "" {
		p.ExecutableName = defaultExecutableName
	}
	if p.MountPoint == "" {
		p.MountPoint = defaultMountPoint
	}
	return p
}

// Generate emits the production, two-stage recipe: a build stage that
// compiles the function to a single AOT executable, and a minimal
// runtime stage that only carries that executable.
func Generate(p Params) string {
	p = p.withDefaults()
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s AS %s\n", p.BuildImage, p.BuildStageTag)
	b.WriteString("WORKDIR /build\n")
	b.WriteString("COPY . .\n")
	b.WriteString("RUN dart pub get\n")
	fmt.Fprintf(&b, "RUN dart compile exe %s -o %s\n\n", p.EntryPoint, p.ExecutableName)

	fmt.Fprintf(&b, "FROM %s\n", p.RuntimeImage)
	fmt.Fprintf(&b, "WORKDIR %s\n", p.MountPoint)
	fmt.Fprintf(&b, "COPY --from=%s /build/%s %s/%s\n", p.BuildStageTag, p.ExecutableName, p.MountPoint, p.ExecutableName)
	fmt.Fprintf(&b, "ENTRYPOINT [%q]\n", p.MountPoint+"/"+p.ExecutableName)

	return b.String()
}

// GenerateDev emits the single-stage development recipe: it runs the
// function source directly under the Dart interpreter, trading
// startup latency for a build-free test loop.
func GenerateDev(p Params) string {
	p = p.withDefaults()
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n", p.BuildImage)
	fmt.Fprintf(&b, "WORKDIR %s\n", p.MountPoint)
	b.WriteString("COPY . .\n")
	b.WriteString("RUN dart pub get\n")
	fmt.Fprintf(&b, "ENTRYPOINT [\"dart\", \"run\", %q]\n", p.EntryPoint)

	return b.String()
}
