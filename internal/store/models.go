package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FunctionStatus is the lifecycle state of a Function row.
type FunctionStatus string

const (
	FunctionStatusActive   FunctionStatus = "active"
	FunctionStatusDisabled FunctionStatus = "disabled"
	FunctionStatusDeleted  FunctionStatus = "deleted"
)

// DeploymentStatus is the build/activation state of a Deployment row.
type DeploymentStatus string

const (
	DeploymentStatusBuilding DeploymentStatus = "building"
	DeploymentStatusReady    DeploymentStatus = "ready"
	DeploymentStatusFailed   DeploymentStatus = "failed"
)

// KeyValidity is the requested lifetime of an ApiKey at issuance.
type KeyValidity string

const (
	ValidityHour    KeyValidity = "1h"
	ValidityDay     KeyValidity = "1d"
	ValidityWeek    KeyValidity = "1w"
	ValidityMonth   KeyValidity = "1m"
	ValidityForever KeyValidity = "forever"
)

// Duration resolves a KeyValidity to a time.Duration; ValidityForever
// has no duration and callers must branch on it separately.
func (v KeyValidity) Duration() time.Duration {
	switch v {
	case ValidityHour:
		return time.Hour
	case ValidityDay:
		return 24 * time.Hour
	case ValidityWeek:
		return 7 * 24 * time.Hour
	case ValidityMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// InvocationStatus is the terminal state of one invocation.
type InvocationStatus string

const (
	InvocationOK      InvocationStatus = "ok"
	InvocationFail    InvocationStatus = "fail"
	InvocationTimeout InvocationStatus = "timeout"
)

// Function mirrors the functions table.
type Function struct {
	ID                 uuid.UUID      `db:"id"`
	OwnerID            uuid.UUID      `db:"owner_id"`
	Name               string         `db:"name"`
	Status             FunctionStatus `db:"status"`
	ActiveDeploymentID *uuid.UUID     `db:"active_deployment_id"`
	SkipSigning        bool           `db:"skip_signing"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// Deployment mirrors the deployments table.
type Deployment struct {
	ID         uuid.UUID        `db:"id"`
	FunctionID uuid.UUID        `db:"function_id"`
	Version    int              `db:"version"`
	ImageTag   string           `db:"image_tag"`
	ArchiveKey string           `db:"archive_key"`
	Status     DeploymentStatus `db:"status"`
	IsActive   bool             `db:"is_active"`
	BuildLogs  *string          `db:"build_logs"`
	DeployedAt time.Time        `db:"deployed_at"`
}

// ApiKey mirrors the api_keys table. SecretHash is never serialized
// back to a client; the cleartext secret exists only at issuance time
// and is not persisted anywhere.
type ApiKey struct {
	ID         uuid.UUID   `db:"id"`
	FunctionID uuid.UUID   `db:"function_id"`
	SecretHash string      `db:"secret_hash"`
	Name       string      `db:"name"`
	Validity   KeyValidity `db:"validity"`
	ExpiresAt  *time.Time  `db:"expires_at"`
	IsActive   bool        `db:"is_active"`
	CreatedAt  time.Time   `db:"created_at"`
	RevokedAt  *time.Time  `db:"revoked_at"`
}

// IsExpired reports whether the key's validity window has lapsed as of now.
func (k ApiKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// IsValid reports whether the key may currently be used to sign requests.
func (k ApiKey) IsValid(now time.Time) bool {
	return k.IsActive && !k.IsExpired(now)
}

// RequestInfo is the subset of a request persisted on an Invocation
// row — method/path/headers/query only, per I5.
type RequestInfo struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// LogEntry is one structured line emitted by a function handler.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Invocation mirrors the invocations table. Append-only: never updated
// after insert.
type Invocation struct {
	ID          uuid.UUID        `db:"id"`
	FunctionID  uuid.UUID        `db:"function_id"`
	Status      InvocationStatus `db:"status"`
	DurationMS  int64            `db:"duration_ms"`
	Error       *string          `db:"error"`
	Logs        json.RawMessage  `db:"logs"`
	RequestInfo json.RawMessage  `db:"request_info"`
	Result      json.RawMessage  `db:"result"`
	Success     bool             `db:"success"`
	Timestamp   time.Time        `db:"timestamp"`
}

// FunctionLog mirrors the function_logs table. Append-only.
type FunctionLog struct {
	ID         uuid.UUID `db:"id"`
	FunctionID uuid.UUID `db:"function_id"`
	Level      string    `db:"level"`
	Message    string    `db:"message"`
	Timestamp  time.Time `db:"timestamp"`
}
