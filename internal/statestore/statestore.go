// Package statestore defines the durability boundary (spec §3): the state
// classes whose loss is observable to clients — BotDefinitions, Credentials,
// and Tasks — live behind this interface so the core can be backed by an
// in-memory map under test or a relational store in production. Instances
// and Envelopes are never persisted here; they are memory-only by design.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by any lookup that finds no matching row.
var ErrNotFound = errors.New("statestore: not found")

// ErrConflict is returned when a write would violate a uniqueness or
// one-active-credential invariant.
var ErrConflict = errors.New("statestore: conflict")

// BotDefinition is a logical bot template (spec §3).
type BotDefinition struct {
	BotID                string
	Name                 string
	Description          string
	AdapterType          string
	DeclaredCapabilities []string
	Configuration        map[string]string
	CreatedAt            time.Time
}

// CredentialKind distinguishes the two credential variants a definition
// can hold. A definition has at most one unconsumed OneTimeToken and at
// most one LongLivedKey; once the key exists the token is gone (spec §4.2).
type CredentialKind string

const (
	CredentialOneTimeToken CredentialKind = "OneTimeToken"
	CredentialLongLivedKey CredentialKind = "LongLivedKey"
)

// Credential is one credential row belonging to exactly one BotDefinition.
type Credential struct {
	BotID     string
	Kind      CredentialKind
	Value     string
	Consumed  bool // only meaningful for CredentialOneTimeToken
	CreatedAt time.Time
}

// TaskState is the lifecycle state of an async Task (spec §3, §4.6).
type TaskState string

const (
	TaskPending   TaskState = "Pending"
	TaskRunning   TaskState = "Running"
	TaskCompleted TaskState = "Completed"
	TaskFailed    TaskState = "Failed"
	TaskCancelled TaskState = "Cancelled"
)

// Task is an async job owned by the Task Manager (C6).
type Task struct {
	TaskID           string
	BotID            string
	CommandName      string
	Arguments        []byte
	State            TaskState
	Result           []byte
	Error            string
	SubmittedAt      time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	RetriesRemaining int
}

// StateStore is the durability boundary (spec §3). Implementations must
// make CreateDefinition/ConsumeOneTimeToken atomic: the spec requires the
// one-time-token-to-long-lived-key swap to be a single compare-and-swap
// indivisible from any concurrent caller's perspective.
type StateStore interface {
	CreateDefinition(ctx context.Context, def BotDefinition, oneTimeToken string) error
	GetDefinition(ctx context.Context, botID string) (BotDefinition, error)
	UpdateDefinition(ctx context.Context, def BotDefinition) error
	DeleteDefinition(ctx context.Context, botID string) error
	ListDefinitions(ctx context.Context) ([]BotDefinition, error)

	// ConsumeOneTimeToken atomically validates candidateToken against the
	// definition's unconsumed one-time token and, on match, marks it
	// consumed and stores newLongLivedKey as the definition's long-lived
	// key in the same transaction. Returns ErrNotFound if botID is
	// unknown or has no unconsumed token, ErrConflict if candidateToken
	// does not match.
	ConsumeOneTimeToken(ctx context.Context, botID, candidateToken, newLongLivedKey string) error

	// GetLongLivedKey returns the stored key for constant-time comparison
	// by the caller; it never itself makes an auth decision.
	GetLongLivedKey(ctx context.Context, botID string) (string, error)

	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTask(ctx context.Context, task Task) error
	// ClaimNextPending atomically selects and transitions the oldest
	// Pending task for botID to Running, or ErrNotFound if none is ready.
	ClaimNextPending(ctx context.Context, botID string) (Task, error)
	ListTasksByBot(ctx context.Context, botID string) ([]Task, error)

	Close() error
}
