package store

import (
	"context"

	"github.com/instant-demo/vscode-broker/internal/domain"
)

// Repository is the assignment ledger: which session each instance was
// handed to. It never holds pool state; the registry is rebuilt from the
// fleet on every start.
// Implementation: Valkey (Redis-compatible).
type Repository interface {
	// Assignment records
	SaveAssignment(ctx context.Context, assignment domain.Assignment) error
	GetAssignment(ctx context.Context, instanceID string) (*domain.Assignment, error)
	DeleteAssignment(ctx context.Context, instanceID string) error

	// ListSessionInstances returns the instances currently held by a session.
	ListSessionInstances(ctx context.Context, sessionKey string) ([]string, error)

	// Statistics
	IncrementCounter(ctx context.Context, name string) error
	GetCounters(ctx context.Context) (map[string]int64, error)

	// Health
	Ping(ctx context.Context) error
}
