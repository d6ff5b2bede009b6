package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/fsport"
	"github.com/dartcloud/core/internal/runtime/types"
	"github.com/dartcloud/core/internal/store"
)

// fakeRuntime is a hand-rolled function-field mock, matching the
// teacher's own mock style (box_test.go's mockContainerOps) rather
// than a generated/interface-matcher mock.
type fakeRuntime struct {
	buildFunc     func(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error)
	execProbeFunc func(ctx context.Context, imageTag string) error
	removeFunc    func(ctx context.Context, imageTag string) error
	removedImages []string
}

func (f *fakeRuntime) Build(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
	return f.buildFunc(ctx, contextDir, recipePath, imageTag)
}
func (f *fakeRuntime) Run(ctx context.Context, spec types.RunSpec) (types.RunResult, error) {
	return types.RunResult{}, nil
}
func (f *fakeRuntime) RemoveImage(ctx context.Context, imageTag string) error {
	f.removedImages = append(f.removedImages, imageTag)
	if f.removeFunc != nil {
		return f.removeFunc(ctx, imageTag)
	}
	return nil
}
func (f *fakeRuntime) ExecProbe(ctx context.Context, imageTag string) error {
	if f.execProbeFunc != nil {
		return f.execProbeFunc(ctx, imageTag)
	}
	return nil
}
func (f *fakeRuntime) Available(ctx context.Context) bool { return true }

func buildArchive(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	src := `
import 'cloud_function.dart';

@CloudHandler
class Greeter extends CloudFunction {
  Future<Map<String, dynamic>> handle(req, env, logs) async {
    return {'statusCode': 200, 'body': {'hello': 'world'}};
  }
}
`
	hdr := &tar.Header{Name: "handler.dart", Mode: 0o644, Size: int64(len(src))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(src)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return store.NewWithDB(sqlx.NewDb(mockDB, "pgx")), mock
}

func expectHappyPathStoreCalls(mock sqlmock.Sqlmock, functionID, deploymentID uuid.UUID, now time.Time) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1 FOR UPDATE`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM deployments WHERE function_id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO deployments`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "function_id", "version", "image_tag", "archive_key", "status", "is_active", "build_logs", "deployed_at"}).
			AddRow(deploymentID, functionID, 1, "func-"+functionID.String()+":v1", "archives/x.tar.gz", store.DeploymentStatusBuilding, false, nil, now))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE deployments SET status = $2 WHERE id = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, image_tag FROM deployments WHERE function_id = $1 AND is_active = TRUE FOR UPDATE`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "image_tag"}))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE deployments SET is_active = TRUE WHERE id = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE functions SET active_deployment_id = $2, updated_at = NOW() WHERE id = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestDeployHappyPath(t *testing.T) {
	st, mock := newMockStore(t)
	functionID := uuid.New()
	deploymentID := uuid.New()
	now := time.Now()
	expectHappyPathStoreCalls(mock, functionID, deploymentID, now)

	rt := &fakeRuntime{
		buildFunc: func(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
			return types.BuildResult{ExitCode: 0}, nil
		},
	}
	o := New(fsport.New(), st, rt, "", "")

	result, err := o.Deploy(context.Background(), functionID, "archives/x.tar.gz", buildArchive(t))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Version)
	}
	if result.DeploymentID != deploymentID {
		t.Fatalf("expected deployment id %s, got %s", deploymentID, result.DeploymentID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeployRejectsAmbiguousArchive(t *testing.T) {
	st, mock := newMockStore(t)
	functionID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range []string{"a.dart", "b.dart"} {
		src := `
@CloudHandler
class Handler_` + name[:1] + ` extends CloudFunction {}
`
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(src))}
		tw.WriteHeader(hdr)
		tw.Write([]byte(src))
	}
	tw.Close()
	gz.Close()

	o := New(fsport.New(), st, &fakeRuntime{}, "", "")
	_, err := o.Deploy(context.Background(), functionID, "archives/x.tar.gz", &buf)
	if err == nil {
		t.Fatal("expected ambiguous-entry archive to be rejected")
	}
	if !apierrors.Is(err, apierrors.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestDeployRejectsPathTraversal(t *testing.T) {
	st, mock := newMockStore(t)
	functionID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	evil := "../../etc/passwd"
	hdr := &tar.Header{Name: evil, Mode: 0o644, Size: 4}
	tw.WriteHeader(hdr)
	tw.Write([]byte("evil"))
	tw.Close()
	gz.Close()

	o := New(fsport.New(), st, &fakeRuntime{}, "", "")
	_, err := o.Deploy(context.Background(), functionID, "archives/x.tar.gz", &buf)
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if !apierrors.Is(err, apierrors.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestDeployMarksFailedOnBuildFailure(t *testing.T) {
	st, mock := newMockStore(t)
	functionID := uuid.New()
	deploymentID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1 FOR UPDATE`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "status", "active_deployment_id", "skip_signing", "created_at", "updated_at"}).
			AddRow(functionID, uuid.New(), "greeter", store.FunctionStatusActive, nil, false, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM deployments WHERE function_id = $1`)).
		WithArgs(functionID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO deployments`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "function_id", "version", "image_tag", "archive_key", "status", "is_active", "build_logs", "deployed_at"}).
			AddRow(deploymentID, functionID, 1, "func-"+functionID.String()+":v1", "archives/x.tar.gz", store.DeploymentStatusBuilding, false, nil, now))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE deployments SET status = $2, build_logs = $3 WHERE id = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rt := &fakeRuntime{
		buildFunc: func(ctx context.Context, contextDir, recipePath, imageTag string) (types.BuildResult, error) {
			return types.BuildResult{ExitCode: 1, Stderr: "compile error"}, nil
		},
	}
	o := New(fsport.New(), st, rt, "", "")

	_, err := o.Deploy(context.Background(), functionID, "archives/x.tar.gz", buildArchive(t))
	if err == nil {
		t.Fatal("expected build failure to surface as an error")
	}
	if !apierrors.Is(err, apierrors.BuildFailed) {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
