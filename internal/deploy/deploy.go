// Package deploy implements the Deployment Orchestrator (C5): the
// single operation that turns an uploaded archive into a running,
// active deployment. It composes the Filesystem Port (C2), the
// Entry-Point Synthesizer (C3), the Dockerfile Generator (C4), the
// State Store (C8), and the Container Runtime Port (C1).
package deploy

import (
	"context"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/archive"
	"github.com/dartcloud/core/internal/dockerfile"
	"github.com/dartcloud/core/internal/entrypoint"
	"github.com/dartcloud/core/internal/fsport"
	"github.com/dartcloud/core/internal/runtime"
	"github.com/dartcloud/core/internal/store"
)

// Result is the outcome of a successful deploy, per §4.5 step 10.
type Result struct {
	DeploymentID uuid.UUID
	Version      int
	ImageTag     string
}

// Orchestrator runs the deploy operation. A singleflight.Group
// de-duplicates concurrent deploys of the same function — grounded on
// the pack's cold-start deduplication pattern
// (oriys-nova/internal/pool/pool_acquisition.go) — so a second deploy
// request arriving while one is already building waits for and shares
// the first's result rather than racing it through the row lock.
type Orchestrator struct {
	fs      fsport.FS
	store   *store.Store
	runtime runtime.Runtime
	group   singleflight.Group

	buildImage   string
	runtimeImage string
}

// New returns an Orchestrator. buildImage/runtimeImage feed
// dockerfile.Params and default like that package does when left
// blank.
func New(fs fsport.FS, st *store.Store, rt runtime.Runtime, buildImage, runtimeImage string) *Orchestrator {
	return &Orchestrator{fs: fs, store: st, runtime: rt, buildImage: buildImage, runtimeImage: runtimeImage}
}

// Deploy runs the full §4.5 algorithm for functionID against the
// tar.gz archive read from src. archiveKey is an opaque reference the
// caller has already persisted the raw archive bytes under (e.g. an
// object store key or local path), recorded alongside the deployment
// row for audit/replay.
func (o *Orchestrator) Deploy(ctx context.Context, functionID uuid.UUID, archiveKey string, src io.Reader) (*Result, error) {
	key := functionID.String()
	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		return o.deploy(ctx, functionID, archiveKey, src)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (o *Orchestrator) deploy(ctx context.Context, functionID uuid.UUID, archiveKey string, src io.Reader) (*Result, error) {
	// Step 1: confirm the function exists before doing any work.
	if _, err := o.store.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}

	// Step 2: acquire a scoped working directory (C2). Deferred Close
	// guarantees removal on every exit path, including the error
	// returns below.
	work, err := o.fs.TempDir("deploy-" + functionID.String())
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "acquire deploy working dir", err)
	}
	defer work.Close()

	// Step 3: extract and structurally validate the archive.
	if err := archive.Extract(src, work.Path()); err != nil {
		return nil, err
	}

	// Step 4: synthesize main.dart from the extracted source (C3).
	if _, err := entrypoint.Synthesize(o.fs, work.Path()); err != nil {
		return nil, err
	}

	// Step 5: generate and write the build recipe (C4).
	recipe := dockerfile.Generate(dockerfile.Params{
		BuildImage:   o.buildImage,
		RuntimeImage: o.runtimeImage,
	})
	recipePath := o.fs.PathJoin(work.Path(), "Dockerfile")
	if err := o.fs.WriteFile(recipePath, []byte(recipe), 0o640); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "write build recipe", err)
	}

	// Steps 6-7: allocate the next version and a building deployment row.
	d, err := o.store.AllocateDeployment(ctx, functionID, archiveKey)
	if err != nil {
		return nil, err
	}

	// Step 8: build the image. A build failure marks the deployment
	// failed and leaves any previously active deployment untouched.
	buildResult, err := o.runtime.Build(ctx, work.Path(), recipePath, d.ImageTag)
	if err != nil {
		_ = o.store.MarkDeploymentFailed(ctx, d.ID, err.Error())
		return nil, apierrors.Wrap(apierrors.BuildFailed, "run image build", err)
	}
	if !buildResult.Ok() {
		_ = o.store.MarkDeploymentFailed(ctx, d.ID, buildResult.Stderr)
		return nil, apierrors.New(apierrors.BuildFailed, "image build exited non-zero: "+buildResult.Stderr)
	}

	// A fast boot probe catches images that build but cannot start,
	// before they are ever made active.
	if err := o.runtime.ExecProbe(ctx, d.ImageTag); err != nil {
		_ = o.store.MarkDeploymentFailed(ctx, d.ID, err.Error())
		return nil, apierrors.Wrap(apierrors.BuildFailed, "built image failed boot probe", err)
	}

	// Step 9: flip the active pointer and best-effort remove whatever
	// image was previously active. Removal failures are logged, never
	// surfaced — the deploy has already succeeded by this point.
	previousImageTag, err := o.store.ActivateDeployment(ctx, functionID, d.ID)
	if err != nil {
		return nil, err
	}
	if previousImageTag != "" && previousImageTag != d.ImageTag {
		if err := o.runtime.RemoveImage(ctx, previousImageTag); err != nil {
			_ = o.store.InsertFunctionLog(ctx, functionID, "warn", "failed to remove superseded image "+previousImageTag+": "+err.Error())
		}
	}

	// Step 10.
	return &Result{DeploymentID: d.ID, Version: d.Version, ImageTag: d.ImageTag}, nil
}

// DeleteFunction implements the §6 "soft-delete (sets status=deleted,
// cascades image removal)" behavior: the function row is marked
// deleted first so it stops accepting new invocations immediately
// (Invoke rejects any function whose status is not active; Deploy does
// not check the status), then every deployment image it ever built is removed
// best-effort. Removal failures are logged, not surfaced — the
// function is already gone from the caller's perspective.
func (o *Orchestrator) DeleteFunction(ctx context.Context, functionID uuid.UUID) error {
	if err := o.store.SoftDeleteFunction(ctx, functionID); err != nil {
		return err
	}

	deployments, err := o.store.ListDeployments(ctx, functionID)
	if err != nil {
		_ = o.store.InsertFunctionLog(ctx, functionID, "warn", "failed to list deployments for image cleanup: "+err.Error())
		return nil
	}
	for _, d := range deployments {
		if err := o.runtime.RemoveImage(ctx, d.ImageTag); err != nil {
			_ = o.store.InsertFunctionLog(ctx, functionID, "warn", "failed to remove image "+d.ImageTag+" on delete: "+err.Error())
		}
	}
	return nil
}

// RollbackTo re-activates a previously built, ready deployment for a
// function without rebuilding it.
func (o *Orchestrator) RollbackTo(ctx context.Context, functionID, deploymentID uuid.UUID) (*Result, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.FunctionID != functionID {
		return nil, apierrors.New(apierrors.NotFound, "deployment does not belong to function")
	}

	previousImageTag, err := o.store.Rollback(ctx, functionID, deploymentID)
	if err != nil {
		return nil, err
	}
	if previousImageTag != "" && previousImageTag != d.ImageTag {
		if err := o.runtime.RemoveImage(ctx, previousImageTag); err != nil {
			_ = o.store.InsertFunctionLog(ctx, functionID, "warn", "failed to remove superseded image "+previousImageTag+": "+err.Error())
		}
	}

	return &Result{DeploymentID: d.ID, Version: d.Version, ImageTag: d.ImageTag}, nil
}
