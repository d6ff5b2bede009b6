package sidecar

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dartcloud/core/internal/runtime/types"
)

type fakeBackend struct {
	buildResult types.BuildResult
	runResult   types.RunResult
	removed     []string
}

func (f *fakeBackend) Build(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
	return f.buildResult, nil
}

func (f *fakeBackend) Run(ctx context.Context, spec types.RunSpec) (types.RunResult, error) {
	return f.runResult, nil
}

func (f *fakeBackend) RemoveImage(ctx context.Context, imageTag string) error {
	f.removed = append(f.removed, imageTag)
	return nil
}

func (f *fakeBackend) ExecProbe(ctx context.Context, imageTag string) error { return nil }
func (f *fakeBackend) Available(ctx context.Context) bool                  { return true }

func TestSidecarClientServerRoundTrip(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "rt.sock")
	backend := &fakeBackend{
		buildResult: types.BuildResult{ExitCode: 0, Stdout: "built"},
		runResult:   types.RunResult{ExitCode: 0, Stdout: "ran", Duration: 2 * time.Second},
	}
	srv := NewServer(socket, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	client := NewClient(socket, "")
	waitForDial(t, client)

	if !client.Available(ctx) {
		t.Fatal("expected Available to succeed")
	}

	br, err := client.Build(ctx, "/ctx", "/ctx/recipe", "func-x:v1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if br.Stdout != "built" {
		t.Fatalf("unexpected build result: %+v", br)
	}

	rr, err := client.Run(ctx, types.RunSpec{ImageTag: "func-x:v1", TimeoutMS: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rr.Stdout != "ran" || rr.Duration != 2*time.Second {
		t.Fatalf("unexpected run result: %+v", rr)
	}

	if err := client.RemoveImage(ctx, "func-x:v1"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if len(backend.removed) != 1 || backend.removed[0] != "func-x:v1" {
		t.Fatalf("removeImage not recorded: %+v", backend.removed)
	}

	client.Shutdown()
	srv.Shutdown()
	cancel()
	<-serveDone
}

func waitForDial(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := c.ensureConn(context.Background()); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never connected: %v", lastErr)
}
