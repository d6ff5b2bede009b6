// Package api wires the HTTP surface of §6 onto the Deployment
// Orchestrator (C5), Invocation Engine (C6), State Store (C8), and
// Signature Verifier (C7). Routing follows the teacher's newer HTTP
// services in the retrieved pack (chi + go-chi/cors) rather than the
// teacher's own Unix-socket mux, since the teacher itself exposes no
// public REST API — this is the domain's externally-reachable surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/deploy"
	"github.com/dartcloud/core/internal/invoke"
	"github.com/dartcloud/core/internal/signing"
	"github.com/dartcloud/core/internal/store"
	"github.com/dartcloud/core/internal/validate"
	"github.com/dartcloud/core/version"
)

// Server bundles the handlers' dependencies. None of its fields are
// package-level singletons; the composition root constructs one per
// process.
type Server struct {
	store    *store.Store
	deployer *deploy.Orchestrator
	invoker  *invoke.Engine
	verifier *signing.Verifier

	maxRequestBodyBytes int64
}

// New builds the chi router for the full §6 HTTP surface.
func New(st *store.Store, deployer *deploy.Orchestrator, invoker *invoke.Engine, verifier *signing.Verifier, maxRequestBodyMB int) http.Handler {
	s := &Server{
		store:               st,
		deployer:            deployer,
		invoker:             invoker,
		verifier:            verifier,
		maxRequestBodyBytes: int64(maxRequestBodyMB) << 20,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature", "X-Timestamp", "X-Api-Key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	r.Route("/api/functions", func(r chi.Router) {
		r.Post("/deploy", s.handleDeploy)
		r.Get("/", s.handleListFunctions)
		r.Delete("/{uuid}", s.handleDeleteFunction)
		r.Get("/{uuid}/deployments", s.handleListDeployments)
		r.Post("/{uuid}/rollback", s.handleRollback)
		r.Post("/{uuid}/invoke", s.handleInvoke)
	})
	r.Route("/api/auth/apikey", func(r chi.Router) {
		r.Post("/generate", s.handleGenerateKey)
		r.Get("/{function_id}/list", s.handleListKeys)
		r.Delete("/{key_id}/revoke", s.handleRevokeKey)
		r.Put("/{key_id}/enable", s.handleEnableKey)
	})

	return r
}

// ownerID extracts the caller's owner id from the Authorization
// header. spec.md §1 scopes out building an identity provider; this
// stands in for the external auth system it assumes, treating a
// bearer token's value as the owner's uuid directly. The invoke
// endpoint does not call this — it authenticates via the signature
// headers instead.
func (s *Server) ownerID(r *http.Request) (uuid.UUID, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return uuid.UUID{}, apierrors.New(apierrors.Unauthorized, "missing bearer token")
	}
	id, err := uuid.Parse(header[len(prefix):])
	if err != nil {
		return uuid.UUID{}, apierrors.New(apierrors.Unauthorized, "bearer token is not a recognized owner id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierrors.As(err)
	msg := err.Error()
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		msg = apiErr.Msg
	}
	writeJSON(w, kind.StatusCode(), map[string]string{"error": msg})
}

// pathUUID parses a path parameter as a uuid, tagged with kind so
// callers can choose the error semantics a malformed id should carry
// on their route (e.g. invoke treats any problem identifying the
// function as a 404, not a 400).
func pathUUID(r *http.Request, key string, kind apierrors.Kind) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.UUID{}, apierrors.New(kind, "malformed "+key)
	}
	return id, nil
}

// handleDeploy implements POST /api/functions/deploy.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBodyBytes)
	if err := r.ParseMultipartForm(s.maxRequestBodyBytes); err != nil {
		writeError(w, apierrors.New(apierrors.InvalidArchive, "malformed multipart request"))
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeError(w, apierrors.New(apierrors.InvalidArchive, "name is required"))
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, apierrors.New(apierrors.InvalidArchive, "archive field is required"))
		return
	}
	defer file.Close()

	fn, err := s.store.FindOrCreateFunction(r.Context(), ownerID, name, false)
	if err != nil {
		writeError(w, err)
		return
	}

	archiveKey := "functions/" + fn.ID.String() + "/" + uuid.NewString() + ".tar.gz"
	result, err := s.deployer.Deploy(r.Context(), fn.ID, archiveKey, file)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": result.DeploymentID,
		"version":       result.Version,
	})
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fns, err := s.store.ListFunctionsByOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fns)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "uuid", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deployer.DeleteFunction(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "uuid", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}
	ds, err := s.store.ListDeployments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	functionID, err := pathUUID(r, "uuid", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := validate.WithCachedBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	errs := validate.Apply(req, nil, []validate.Rule{
		{FieldName: "deployment_uuid", Source: validate.SourceBody, Tag: "required,uuid", Required: true},
	})
	if err := validate.Error(errs); err != nil {
		writeError(w, err)
		return
	}

	deploymentID, err := uuid.Parse(validate.CachedBody(req)["deployment_uuid"].(string))
	if err != nil {
		writeError(w, apierrors.New(apierrors.InvalidArchive, "deployment_uuid is not a uuid"))
		return
	}

	result, err := s.deployer.RollbackTo(r.Context(), functionID, deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": result.DeploymentID,
		"version":       result.Version,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	functionID, err := pathUUID(r, "uuid", apierrors.NotFound)
	if err != nil {
		writeError(w, err)
		return
	}

	fn, err := s.store.GetFunction(r.Context(), functionID)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBodyBytes)
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierrors.New(apierrors.InvalidArchive, "unreadable request body"))
		return
	}

	if !fn.SkipSigning {
		if err := s.verifySignature(r, functionID, bodyBytes); err != nil {
			writeError(w, err)
			return
		}
	}

	rawQuery := r.URL.Query()
	query := map[string]string{}
	for k := range rawQuery {
		query[k] = rawQuery.Get(k)
	}
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp, err := s.invoker.Invoke(r.Context(), functionID, invoke.Envelope{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Query:   query,
		Body:    json.RawMessage(bodyBytes),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, resp.StatusCode, json.RawMessage(resp.Body))
}

func (s *Server) verifySignature(r *http.Request, functionID uuid.UUID, body []byte) error {
	sig := r.Header.Get("X-Signature")
	ts := r.Header.Get("X-Timestamp")
	keyIDRaw := r.Header.Get("X-Api-Key")
	if sig == "" || ts == "" || keyIDRaw == "" {
		return apierrors.New(apierrors.SignatureInvalid, "missing signature headers")
	}
	keyID, err := uuid.Parse(keyIDRaw)
	if err != nil {
		return apierrors.New(apierrors.SignatureInvalid, "malformed api key id")
	}
	timestampSecond, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apierrors.New(apierrors.SignatureInvalid, "malformed timestamp")
	}

	_, err = s.verifier.Verify(r.Context(), signing.VerifyRequest{
		FunctionID:       functionID,
		KeyID:            keyID,
		Signature:        sig,
		TimestampSecond:  timestampSecond,
		PayloadCanonical: signing.CanonicalPayload(body),
	}, time.Now())
	return err
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	req, err := validate.WithCachedBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	errs := validate.Apply(req, nil, []validate.Rule{
		{FieldName: "function_id", Source: validate.SourceBody, Tag: "required,uuid", Required: true},
		{FieldName: "validity", Source: validate.SourceBody, Tag: "required,oneof=1h 1d 1w 1m forever", Required: true},
		{FieldName: "name", Source: validate.SourceBody, Tag: "required", Required: true},
	})
	if err := validate.Error(errs); err != nil {
		writeError(w, err)
		return
	}

	body := validate.CachedBody(req)
	functionID, _ := uuid.Parse(body["function_id"].(string))
	validity := store.KeyValidity(body["validity"].(string))
	name := body["name"].(string)

	issued, err := s.verifier.Issue(r.Context(), functionID, validity, name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"secret_key": issued.Secret,
		"key_id":     issued.KeyID,
		"validity":   issued.Validity,
		"expires_at": issued.ExpiresAt,
		"name":       issued.Name,
		"created_at": issued.CreatedAt,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	functionID, err := pathUUID(r, "function_id", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.store.ListApiKeys(r.Context(), functionID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Secrets never round-trip past issuance, per I4.
	type redacted struct {
		ID        uuid.UUID `json:"id"`
		Name      string    `json:"name"`
		Validity  string    `json:"validity"`
		IsActive  bool      `json:"is_active"`
		ExpiresAt any       `json:"expires_at"`
		CreatedAt any       `json:"created_at"`
	}
	out := make([]redacted, 0, len(keys))
	for _, k := range keys {
		out = append(out, redacted{ID: k.ID, Name: k.Name, Validity: string(k.Validity), IsActive: k.IsActive, ExpiresAt: k.ExpiresAt, CreatedAt: k.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "key_id", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RevokeApiKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "key_id", apierrors.InvalidArchive)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.EnableApiKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
