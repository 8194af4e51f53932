package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestDeployment(t *testing.T, owner, safeID string) *domain.Deployment {
	t.Helper()
	d, err := domain.NewDeployment(owner, "Blog Project", safeID, domain.ModeProcess, domain.Limit512M,
		map[string]string{"API_KEY": "secret"})
	require.NoError(t, err)
	d.WorkDir = "/srv/hosting/" + owner + "_" + safeID
	d.SourceArchive = "/srv/archives/" + safeID + ".zip"
	return d
}

func createTestDeployment(t *testing.T, store Store, owner, safeID string) *domain.Deployment {
	t.Helper()
	d := newTestDeployment(t, owner, safeID)
	require.NoError(t, store.CreateDeployment(context.Background(), d))
	return d
}

// =============================================================================
// Deployment CRUD Tests
// =============================================================================

func TestCreateDeployment_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, store, "alice", "blog_project")

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "Blog Project", got.ProjectName)
	assert.Equal(t, "blog_project", got.SafeID)
	assert.Equal(t, domain.ModeProcess, got.Mode)
	assert.Equal(t, domain.Limit512M, got.ResourceLimit)
	assert.Equal(t, map[string]string{"API_KEY": "secret"}, got.EnvVars)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.Active)
	assert.Equal(t, d.WorkDir, got.WorkDir)
	assert.Nil(t, got.LastDeployedAt)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateDeployment_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store, "alice", "blog_project")

	dup := *d
	dup.SafeID = "other"
	dup.WorkDir = "/srv/hosting/alice_other"

	err := store.CreateDeployment(context.Background(), &dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCreateDeployment_DuplicateSafeID(t *testing.T) {
	store := setupTestStore(t)
	createTestDeployment(t, store, "alice", "blog_project")

	dup := newTestDeployment(t, "alice", "blog_project")
	dup.WorkDir += "_2"
	err := store.CreateDeployment(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateSafeID)

	// another owner may use the same identifier
	assert.NoError(t, store.CreateDeployment(context.Background(), newTestDeployment(t, "bob", "blog_project")))
}

func TestCreateDeployment_DuplicateWorkDir(t *testing.T) {
	store := setupTestStore(t)
	createTestDeployment(t, store, "alice_x", "blog")

	other := newTestDeployment(t, "alice", "x_blog")
	require.Equal(t, "/srv/hosting/alice_x_blog", other.WorkDir)

	err := store.CreateDeployment(context.Background(), other)
	assert.ErrorIs(t, err, ErrDuplicateWorkDir)
}

func TestGetDeployment_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetDeployment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetDeploymentBySafeID(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDeploymentBySafeID(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store, "alice", "blog_project")
	createTestDeployment(t, store, "bob", "blog_project")

	got, err := store.GetDeploymentBySafeID(context.Background(), "alice", "blog_project")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func TestGetDeploymentBySafeID_IgnoresOwnerCase(t *testing.T) {
	store := setupTestStore(t)
	d := createTestDeployment(t, store, "Alice", "blog_project")

	got, err := store.GetDeploymentBySafeID(context.Background(), "alice", "blog_project")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "Alice", got.Owner)
}

func TestGetDeploymentByDomain(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, store, "alice", "no_domain")
	d := createTestDeployment(t, store, "alice", "blog_project")
	d.CustomDomain = "Blog.Example.com"
	require.NoError(t, store.UpdateDeployment(ctx, d))

	got, err := store.GetDeploymentByDomain(ctx, "blog.example.COM")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = store.GetDeploymentByDomain(ctx, "other.example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// an empty host never matches deployments without a domain
	_, err = store.GetDeploymentByDomain(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeployment_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "alice", "blog_project")

	require.NoError(t, d.Transition(domain.StatusBuilding))
	require.NoError(t, d.MarkDeployed(8003, "http://127.0.0.1:8003"))
	d.CustomDomain = "blog.example.com"
	d.RejectedArchive = "/srv/archives/old.rejected.zip"
	require.NoError(t, store.UpdateDeployment(ctx, d))

	got, err := store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeployed, got.Status)
	assert.Equal(t, 8003, got.Port)
	assert.Equal(t, "http://127.0.0.1:8003", got.Address)
	assert.Equal(t, "blog.example.com", got.CustomDomain)
	assert.Equal(t, "/srv/archives/old.rejected.zip", got.RejectedArchive)
	require.NotNil(t, got.LastDeployedAt)
	assert.WithinDuration(t, *d.LastDeployedAt, *got.LastDeployedAt, time.Millisecond)
}

func TestUpdateDeployment_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateDeployment(context.Background(), newTestDeployment(t, "alice", "ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "alice", "blog_project")
	require.NoError(t, store.AppendEvent(ctx, &domain.DeploymentEvent{DeploymentID: d.ID, Level: domain.EventInfo, Message: "x"}))

	require.NoError(t, store.DeleteDeployment(ctx, d.ID))

	_, err := store.GetDeployment(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	events, err := store.ListEvents(ctx, d.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, store.DeleteDeployment(ctx, d.ID), ErrNotFound)
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestListDeployments_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createTestDeployment(t, store, "alice", fmt.Sprintf("app_%d", i))
	}

	page, err := store.ListDeployments(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := store.ListDeployments(ctx, ListOptions{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestListDeploymentsByOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, store, "alice", "one")
	createTestDeployment(t, store, "alice", "two")
	createTestDeployment(t, store, "bob", "three")

	got, err := store.ListDeploymentsByOwner(ctx, "alice", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, d := range got {
		assert.Equal(t, "alice", d.Owner)
	}
}

func TestListDeploymentsByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "alice", "one")
	createTestDeployment(t, store, "alice", "two")
	require.NoError(t, d.Transition(domain.StatusBuilding))
	require.NoError(t, d.MarkDeployed(8000, "http://127.0.0.1:8000"))
	require.NoError(t, store.UpdateDeployment(ctx, d))

	got, err := store.ListDeploymentsByStatus(ctx, domain.StatusDeployed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.ID, got[0].ID)
}

func TestSafeIDTaken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, store, "alice", "blog_project")

	taken, err := store.SafeIDTaken(ctx, "alice", "blog_project")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = store.SafeIDTaken(ctx, "ALICE", "blog_project")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = store.SafeIDTaken(ctx, "bob", "blog_project")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestWorkDirTaken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "alice", "blog_project")

	taken, err := store.WorkDirTaken(ctx, d.WorkDir)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = store.WorkDirTaken(ctx, "/srv/hosting/alice_other")
	require.NoError(t, err)
	assert.False(t, taken)
}

// =============================================================================
// Event Tests
// =============================================================================

func TestEvents_AppendAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, store, "alice", "blog_project")

	for i := 0; i < 5; i++ {
		ev := domain.NewEvent(d.ID, domain.EventInfo, fmt.Sprintf("step %d", i), "")
		require.NoError(t, store.AppendEvent(ctx, &ev))
		assert.NotZero(t, ev.ID)
	}

	events, err := store.ListEvents(ctx, d.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "step 2", events[0].Message)
	assert.Equal(t, "step 4", events[2].Message)
	assert.Equal(t, domain.EventInfo, events[0].Level)
}

func TestAppendEvent_UnknownDeployment(t *testing.T) {
	store := setupTestStore(t)

	ev := domain.NewEvent("missing", domain.EventError, "boom", "")
	err := store.AppendEvent(context.Background(), &ev)
	assert.ErrorIs(t, err, ErrForeignKey)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := newTestDeployment(t, "alice", "blog_project")

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateDeployment(ctx, d); err != nil {
			return err
		}
		ev := domain.NewEvent(d.ID, domain.EventInfo, "created", "")
		return tx.AppendEvent(ctx, &ev)
	})
	require.NoError(t, err)

	_, err = store.GetDeployment(ctx, d.ID)
	assert.NoError(t, err)
}

func TestWithTx_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := newTestDeployment(t, "alice", "blog_project")
	boom := fmt.Errorf("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreateDeployment(ctx, d))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetDeployment(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		in   ListOptions
		want ListOptions
	}{
		{ListOptions{}, ListOptions{Limit: 100}},
		{ListOptions{Limit: 5000, Offset: -1}, ListOptions{Limit: 1000}},
		{ListOptions{Limit: 10, Offset: 20}, ListOptions{Limit: 10, Offset: 20}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize())
	}
}
