// Package invoke implements the Invocation Engine (C6): the hot path
// that turns an inbound request envelope into a running container and
// a recorded Invocation row. Every invocation gets its own directory
// under the shared volume (C2) and is admitted through a process-wide
// semaphore so load beyond FUNCTION_MAX_CONCURRENT fails fast instead
// of queuing.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/fsport"
	"github.com/dartcloud/core/internal/runtime"
	"github.com/dartcloud/core/internal/runtime/types"
	"github.com/dartcloud/core/internal/store"
)

// Envelope is the caller-supplied request, per §6.
type Envelope struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    json.RawMessage
}

// Response is the operation's result, per §4.6's public signature.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       json.RawMessage
	DurationMS int64
	Logs       []store.LogEntry
	Status     store.InvocationStatus
}

// stderrExcerptLimit bounds how much of a failing container's stderr
// is surfaced in a synthesized error body.
const stderrExcerptLimit = 2000

// Engine runs invocations.
type Engine struct {
	fs      fsport.FS
	store   *store.Store
	runtime runtime.Runtime
	sem     *semaphore.Weighted

	functionsRootHost      string
	functionsRootContainer string
	sharedVolumeName       string

	timeoutMS   int
	memoryMB    int
	databaseURL string
}

// Config bundles the platform settings an Engine needs, sourced from
// internal/config.Config.
type Config struct {
	FunctionsRootHost      string
	FunctionsRootContainer string
	SharedVolumeName       string
	MaxConcurrent          int
	TimeoutMS              int
	MemoryMB               int
	FunctionDatabaseURL    string
}

// New returns an Engine whose semaphore capacity is cfg.MaxConcurrent.
func New(fs fsport.FS, st *store.Store, rt runtime.Runtime, cfg Config) *Engine {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 10
	}
	return &Engine{
		fs:                     fs,
		store:                  st,
		runtime:                rt,
		sem:                    semaphore.NewWeighted(int64(max)),
		functionsRootHost:      cfg.FunctionsRootHost,
		functionsRootContainer: cfg.FunctionsRootContainer,
		sharedVolumeName:       cfg.SharedVolumeName,
		timeoutMS:              cfg.TimeoutMS,
		memoryMB:               cfg.MemoryMB,
		databaseURL:            cfg.FunctionDatabaseURL,
	}
}

// Invoke runs the §4.6 algorithm. It never returns an error for
// failures that happened inside the container — those are materialized
// as a Response with a 5xx/504 status. It returns an error only for
// platform-level problems: unknown/inactive function (404), semaphore
// saturation (503), a failure to prepare the shared directory or its
// files (500), or a runtime transport failure (503).
func (e *Engine) Invoke(ctx context.Context, functionID uuid.UUID, env Envelope) (*Response, error) {
	// Step 1-2: resolve the active deployment before admission, so a
	// function that can never run doesn't consume a concurrency slot.
	fn, err := e.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if fn.Status != store.FunctionStatusActive {
		return nil, apierrors.New(apierrors.FunctionUnavailable, "function is not active")
	}
	deployment, err := e.store.ActiveDeployment(ctx, functionID)
	if err != nil {
		return nil, err
	}

	if !e.sem.TryAcquire(1) {
		return nil, apierrors.New(apierrors.Overloaded, "invocation concurrency ceiling reached")
	}
	defer e.sem.Release(1)

	invocationID := uuid.New()
	hostDir := e.fs.PathJoin(e.functionsRootHost, functionID.String(), fmt.Sprintf("v%d", deployment.Version), invocationID.String())
	containerDir := e.fs.PathJoin(e.functionsRootContainer, functionID.String(), fmt.Sprintf("v%d", deployment.Version), invocationID.String())

	if err := e.fs.EnsureDir(hostDir); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "create invocation shared dir", err)
	}
	// Step 9: unconditional removal, regardless of outcome.
	defer e.fs.RemoveTree(hostDir)

	requestInfo := store.RequestInfo{Method: env.Method, Path: env.Path, Headers: env.Headers, Query: env.Query}

	requestJSON, err := json.Marshal(map[string]any{
		"method":  env.Method,
		"path":    env.Path,
		"headers": env.Headers,
		"query":   env.Query,
		"body":    rawOrNull(env.Body),
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "marshal request envelope", err)
	}
	if err := e.fs.WriteFile(e.fs.PathJoin(hostDir, "request.json"), requestJSON, 0o640); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "write request.json", err)
	}
	if err := e.fs.WriteFile(e.fs.PathJoin(hostDir, ".env.config"), []byte(envConfig(e.timeoutMS, e.memoryMB, containerDir, e.databaseURL)), 0o640); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "write .env.config", err)
	}

	start := time.Now()
	runResult, runErr := e.runtime.Run(ctx, types.RunSpec{
		ImageTag: deployment.ImageTag,
		Mounts: []types.Mount{
			{HostPath: e.sharedVolumeName, ContainerPath: e.functionsRootContainer, Flags: []string{"shared", "z"}},
		},
		WorkingDir: containerDir,
		Network:    types.NetworkNone,
		CPULimit:   0.5,
		MemoryMB:   max(20, e.memoryMB),
		TimeoutMS:  e.timeoutMS,
	})
	durationMS := time.Since(start).Milliseconds()
	if runErr != nil {
		return nil, apierrors.Wrap(apierrors.RuntimeUnavailable, "run invocation container", runErr)
	}

	resp := e.interpret(hostDir, runResult, durationMS)

	if err := e.record(ctx, functionID, requestInfo, resp); err != nil {
		// Recording failure must not mask a result the caller is
		// entitled to; log and return what the container produced.
		_ = e.store.InsertFunctionLog(ctx, functionID, "error", "failed to record invocation: "+err.Error())
	}

	return resp, nil
}

// interpret implements §4.6 step 7.
func (e *Engine) interpret(hostDir string, r types.RunResult, durationMS int64) *Response {
	switch {
	case r.ExitCode == types.TimeoutExitCode:
		return &Response{
			StatusCode: 504,
			Body:       mustJSON(map[string]string{"error": "timeout"}),
			DurationMS: durationMS,
			Status:     store.InvocationTimeout,
		}
	case r.ExitCode == 0:
		result, logs, ok := e.readResult(hostDir)
		if !ok {
			return &Response{
				StatusCode: 500,
				Body:       mustJSON(map[string]string{"error": "missing result"}),
				DurationMS: durationMS,
				Status:     store.InvocationFail,
			}
		}
		result.DurationMS = durationMS
		result.Logs = logs
		result.Status = store.InvocationOK
		return result
	default:
		excerpt := r.Stderr
		if len(excerpt) > stderrExcerptLimit {
			excerpt = excerpt[:stderrExcerptLimit]
		}
		logs, _ := e.tryReadLogs(hostDir)
		return &Response{
			StatusCode: 500,
			Body:       mustJSON(map[string]string{"error": excerpt}),
			DurationMS: durationMS,
			Logs:       logs,
			Status:     store.InvocationFail,
		}
	}
}

func (e *Engine) readResult(hostDir string) (*Response, []store.LogEntry, bool) {
	raw, err := e.fs.ReadFile(e.fs.PathJoin(hostDir, "result.json"))
	if err != nil {
		return nil, nil, false
	}
	var decoded struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers"`
		Body       json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, false
	}
	logs, _ := e.tryReadLogs(hostDir)
	return &Response{StatusCode: decoded.StatusCode, Headers: decoded.Headers, Body: decoded.Body}, logs, true
}

func (e *Engine) tryReadLogs(hostDir string) ([]store.LogEntry, bool) {
	raw, err := e.fs.ReadFile(e.fs.PathJoin(hostDir, "logs.json"))
	if err != nil {
		return nil, false
	}
	var decoded struct {
		Logs []store.LogEntry `json:"logs"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	return decoded.Logs, true
}

func (e *Engine) record(ctx context.Context, functionID uuid.UUID, reqInfo store.RequestInfo, resp *Response) error {
	reqInfoJSON, err := json.Marshal(reqInfo)
	if err != nil {
		return err
	}
	logsJSON, err := json.Marshal(map[string]any{"logs": resp.Logs})
	if err != nil {
		return err
	}

	var errMsg *string
	if resp.Status != store.InvocationOK {
		m := string(resp.Body)
		errMsg = &m
	}

	_, err = e.store.InsertInvocation(ctx, store.InsertInvocationParams{
		FunctionID:  functionID,
		Status:      resp.Status,
		DurationMS:  resp.DurationMS,
		Error:       errMsg,
		Logs:        logsJSON,
		RequestInfo: reqInfoJSON,
		Result:      resp.Body,
		Success:     resp.Status == store.InvocationOK,
	})
	return err
}

func envConfig(timeoutMS, memoryMB int, containerDir, databaseURL string) string {
	base := fmt.Sprintf(
		"DART_CLOUD_RESTRICTED=true\nFUNCTION_TIMEOUT_MS=%d\nFUNCTION_MAX_MEMORY_MB=%d\nSHARED_PATH=%s\n",
		timeoutMS, memoryMB, containerDir,
	)
	if databaseURL != "" {
		base += fmt.Sprintf("FUNCTION_DATABASE_URL=%s\n", databaseURL)
	}
	return base
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
