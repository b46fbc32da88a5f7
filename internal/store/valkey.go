package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/valkey-io/valkey-go"
)

// Lua scripts for atomic operations
var (
	// saveAssignmentScript writes an assignment and indexes it by session.
	// A previous assignment of the same instance is unlinked from its old
	// session first so an instance never appears under two sessions.
	// KEYS[1] = assignment key (assignment:{id})
	// KEYS[2] = session set prefix (session:)
	// ARGV[1] = instance ID
	// ARGV[2] = session key
	// ARGV[3] = address
	// ARGV[4] = assigned_at (RFC3339)
	// ARGV[5] = TTL in seconds
	saveAssignmentScript = valkey.NewLuaScript(`
local assignmentKey = KEYS[1]
local sessionPrefix = KEYS[2]
local instanceID = ARGV[1]
local sessionKey = ARGV[2]
local ttl = tonumber(ARGV[5])

local previous = redis.call('HGET', assignmentKey, 'session_key')
if previous and previous ~= sessionKey then
    redis.call('SREM', sessionPrefix .. previous, instanceID)
end

redis.call('HSET', assignmentKey,
    'instance_id', instanceID,
    'session_key', sessionKey,
    'address', ARGV[3],
    'assigned_at', ARGV[4])
redis.call('SADD', sessionPrefix .. sessionKey, instanceID)

if ttl > 0 then
    redis.call('EXPIRE', assignmentKey, ttl)
    redis.call('EXPIRE', sessionPrefix .. sessionKey, ttl)
end
return 1
`)

	// deleteAssignmentScript removes an assignment and its session index entry.
	// KEYS[1] = assignment key (assignment:{id})
	// KEYS[2] = session set prefix (session:)
	// ARGV[1] = instance ID
	// Returns: 1 if an assignment was removed, 0 otherwise
	deleteAssignmentScript = valkey.NewLuaScript(`
local assignmentKey = KEYS[1]
local sessionPrefix = KEYS[2]
local instanceID = ARGV[1]

local sessionKey = redis.call('HGET', assignmentKey, 'session_key')
if not sessionKey then
    return 0
end
redis.call('SREM', sessionPrefix .. sessionKey, instanceID)
redis.call('DEL', assignmentKey)
return 1
`)
)

// Valkey key prefixes
const (
	keyAssignment = "assignment:" // assignment:{instanceID} -> hash
	keySession    = "session:"    // session:{sessionKey} -> set of instance IDs
	keyCounter    = "counter:"    // counter:{name} -> int
)

// ValkeyRepository implements Repository using Valkey.
type ValkeyRepository struct {
	client valkey.Client
	ttl    time.Duration
}

// NewValkeyRepository creates a new Valkey-backed repository.
func NewValkeyRepository(cfg *config.StoreConfig) (*ValkeyRepository, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	return &ValkeyRepository{client: client, ttl: cfg.AssignmentTTL}, nil
}

// Close closes the Valkey connection.
func (r *ValkeyRepository) Close() {
	r.client.Close()
}

// SaveAssignment records which session an instance was handed to.
func (r *ValkeyRepository) SaveAssignment(ctx context.Context, a domain.Assignment) error {
	if a.InstanceID == "" {
		return domain.ErrInvalidInstanceID
	}

	result := saveAssignmentScript.Exec(
		ctx,
		r.client,
		[]string{keyAssignment + a.InstanceID, keySession},
		[]string{
			a.InstanceID,
			a.SessionKey,
			a.Address,
			a.AssignedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(int64(r.ttl.Seconds()), 10),
		},
	)
	if err := result.Error(); err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

// GetAssignment returns the assignment of an instance.
func (r *ValkeyRepository) GetAssignment(ctx context.Context, instanceID string) (*domain.Assignment, error) {
	fields, err := r.client.Do(ctx, r.client.B().Hgetall().Key(keyAssignment+instanceID).Build()).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, domain.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	// HGETALL on a missing key returns an empty map, not nil.
	if len(fields) == 0 {
		return nil, domain.ErrAssignmentNotFound
	}

	assignment := &domain.Assignment{
		InstanceID: fields["instance_id"],
		SessionKey: fields["session_key"],
		Address:    fields["address"],
	}
	if ts := fields["assigned_at"]; ts != "" {
		assignedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid assigned_at for %s: %w", instanceID, err)
		}
		assignment.AssignedAt = assignedAt
	}
	return assignment, nil
}

// DeleteAssignment removes an instance's assignment. Deleting a missing
// assignment is not an error.
func (r *ValkeyRepository) DeleteAssignment(ctx context.Context, instanceID string) error {
	result := deleteAssignmentScript.Exec(
		ctx,
		r.client,
		[]string{keyAssignment + instanceID, keySession},
		[]string{instanceID},
	)
	if err := result.Error(); err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

// ListSessionInstances returns the instances currently assigned to a session.
func (r *ValkeyRepository) ListSessionInstances(ctx context.Context, sessionKey string) ([]string, error) {
	ids, err := r.client.Do(ctx, r.client.B().Smembers().Key(keySession+sessionKey).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to get session members: %w", err)
	}
	return ids, nil
}

// IncrementCounter increments a named counter.
func (r *ValkeyRepository) IncrementCounter(ctx context.Context, name string) error {
	key := keyCounter + name
	if err := r.client.Do(ctx, r.client.B().Incr().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to increment counter: %w", err)
	}
	return nil
}

// GetCounters returns every named counter.
func (r *ValkeyRepository) GetCounters(ctx context.Context) (map[string]int64, error) {
	counters := make(map[string]int64)

	var cursor uint64
	for {
		entry, err := r.client.Do(ctx, r.client.B().Scan().Cursor(cursor).Match(keyCounter+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan counters: %w", err)
		}
		for _, key := range entry.Elements {
			// Use AsInt64 because GET returns blob string, not RESP3 integer
			value, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).AsInt64()
			if err != nil {
				if valkey.IsValkeyNil(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get counter %s: %w", key, err)
			}
			counters[strings.TrimPrefix(key, keyCounter)] = value
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return counters, nil
}

// Ping checks the Valkey connection.
func (r *ValkeyRepository) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

// Compile-time check that ValkeyRepository implements Repository
var _ Repository = (*ValkeyRepository)(nil)
