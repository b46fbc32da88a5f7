package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
)

// skipIfNoValkey skips the test if Valkey is not available.
func skipIfNoValkey(t *testing.T) *ValkeyRepository {
	t.Helper()
	if os.Getenv("VALKEY_TEST") == "" {
		t.Skip("Skipping Valkey integration test. Set VALKEY_TEST=1 to run.")
	}

	storeCfg := &config.StoreConfig{
		ValkeyAddr:    getEnvOrDefault("VALKEY_ADDR", "localhost:6379"),
		Password:      os.Getenv("VALKEY_PASSWORD"),
		DB:            0,
		AssignmentTTL: time.Hour,
	}

	repo, err := NewValkeyRepository(storeCfg)
	if err != nil {
		t.Skipf("Failed to connect to Valkey: %v", err)
	}

	// Clean up test data before each test
	cleanupTestData(context.Background(), repo)

	return repo
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func cleanupTestData(ctx context.Context, repo *ValkeyRepository) {
	for _, pattern := range []string{keyAssignment + "*", keySession + "*", keyCounter + "*"} {
		keys, _ := repo.client.Do(ctx, repo.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
		for _, key := range keys {
			repo.client.Do(ctx, repo.client.B().Del().Key(key).Build())
		}
	}
}

func TestValkeyRepository_Ping(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestValkeyRepository_SaveAndGetAssignment(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	ctx := context.Background()
	want := domain.Assignment{
		InstanceID: "i-0abc",
		SessionKey: "project-1",
		Address:    "203.0.113.7:8080",
		AssignedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := repo.SaveAssignment(ctx, want); err != nil {
		t.Fatalf("SaveAssignment() error = %v", err)
	}

	got, err := repo.GetAssignment(ctx, want.InstanceID)
	if err != nil {
		t.Fatalf("GetAssignment() error = %v", err)
	}
	if got.SessionKey != want.SessionKey || got.Address != want.Address {
		t.Errorf("GetAssignment() = %+v, want %+v", got, want)
	}
	if !got.AssignedAt.Equal(want.AssignedAt) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, want.AssignedAt)
	}

	ttl, err := repo.client.Do(ctx, repo.client.B().Ttl().Key(keyAssignment+want.InstanceID).Build()).AsInt64()
	if err != nil {
		t.Fatalf("TTL error = %v", err)
	}
	if ttl <= 0 || ttl > 3600 {
		t.Errorf("TTL = %d, want within (0, 3600]", ttl)
	}
}

func TestValkeyRepository_SaveAssignment_InvalidID(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	err := repo.SaveAssignment(context.Background(), domain.Assignment{SessionKey: "project-1"})
	if !errors.Is(err, domain.ErrInvalidInstanceID) {
		t.Errorf("SaveAssignment() error = %v, want %v", err, domain.ErrInvalidInstanceID)
	}
}

func TestValkeyRepository_GetAssignment_NotFound(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	_, err := repo.GetAssignment(context.Background(), "missing")
	if !errors.Is(err, domain.ErrAssignmentNotFound) {
		t.Errorf("GetAssignment() error = %v, want %v", err, domain.ErrAssignmentNotFound)
	}
}

func TestValkeyRepository_ReassignMovesSession(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	ctx := context.Background()
	for _, session := range []string{"project-1", "project-2"} {
		if err := repo.SaveAssignment(ctx, domain.Assignment{InstanceID: "i-1", SessionKey: session, AssignedAt: time.Now()}); err != nil {
			t.Fatalf("SaveAssignment(%s) error = %v", session, err)
		}
	}

	old, _ := repo.ListSessionInstances(ctx, "project-1")
	if len(old) != 0 {
		t.Errorf("ListSessionInstances(project-1) = %v, want empty", old)
	}
	current, _ := repo.ListSessionInstances(ctx, "project-2")
	if len(current) != 1 || current[0] != "i-1" {
		t.Errorf("ListSessionInstances(project-2) = %v, want [i-1]", current)
	}
}

func TestValkeyRepository_DeleteAssignment(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	ctx := context.Background()
	if err := repo.SaveAssignment(ctx, domain.Assignment{InstanceID: "i-1", SessionKey: "project-1", AssignedAt: time.Now()}); err != nil {
		t.Fatalf("SaveAssignment() error = %v", err)
	}

	if err := repo.DeleteAssignment(ctx, "i-1"); err != nil {
		t.Fatalf("DeleteAssignment() error = %v", err)
	}
	if _, err := repo.GetAssignment(ctx, "i-1"); !errors.Is(err, domain.ErrAssignmentNotFound) {
		t.Errorf("GetAssignment() after delete error = %v", err)
	}
	ids, _ := repo.ListSessionInstances(ctx, "project-1")
	if len(ids) != 0 {
		t.Errorf("ListSessionInstances() = %v, want empty", ids)
	}

	// Deleting twice is fine.
	if err := repo.DeleteAssignment(ctx, "i-1"); err != nil {
		t.Errorf("DeleteAssignment() twice error = %v", err)
	}
}

func TestValkeyRepository_Counters(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := repo.IncrementCounter(ctx, "allocations"); err != nil {
			t.Fatalf("IncrementCounter() error = %v", err)
		}
	}
	if err := repo.IncrementCounter(ctx, "terminations"); err != nil {
		t.Fatalf("IncrementCounter() error = %v", err)
	}

	counters, err := repo.GetCounters(ctx)
	if err != nil {
		t.Fatalf("GetCounters() error = %v", err)
	}
	if counters["allocations"] != 3 || counters["terminations"] != 1 {
		t.Errorf("GetCounters() = %v, want allocations=3 terminations=1", counters)
	}
}

// TestValkeyRepository_SaveAssignment_Concurrent checks that concurrent
// writers leave the session index consistent with the assignment hashes.
func TestValkeyRepository_SaveAssignment_Concurrent(t *testing.T) {
	repo := skipIfNoValkey(t)
	defer repo.Close()

	ctx := context.Background()
	const numInstances = 10

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < numInstances; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, session := range []string{"project-a", "project-b"} {
				if err := repo.SaveAssignment(ctx, domain.Assignment{InstanceID: id, SessionKey: session, AssignedAt: time.Now()}); err != nil {
					t.Logf("SaveAssignment error: %v", err)
					failures.Add(1)
				}
			}
		}(fmt.Sprintf("concurrent-%d", i))
	}
	wg.Wait()

	if failures.Load() > 0 {
		t.Fatalf("Got %d errors during concurrent saves", failures.Load())
	}

	a, _ := repo.ListSessionInstances(ctx, "project-a")
	b, _ := repo.ListSessionInstances(ctx, "project-b")
	sort.Strings(b)
	if len(a) != 0 {
		t.Errorf("project-a still lists %v", a)
	}
	if len(b) != numInstances {
		t.Errorf("project-b lists %d instances, want %d", len(b), numInstances)
	}
}
