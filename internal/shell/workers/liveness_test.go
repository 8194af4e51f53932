package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Configuration
// =============================================================================

func TestDefaultLivenessConfig(t *testing.T) {
	config := DefaultLivenessConfig()

	assert.Equal(t, 30*time.Second, config.Interval)
	assert.Equal(t, 10*time.Second, config.DeploymentTimeout)
	assert.Equal(t, 5, config.MaxConcurrent)
}

func TestNewLivenessChecker_DefaultConfig(t *testing.T) {
	lc := NewLivenessChecker(&stubTarget{}, LivenessConfig{}, nil)

	assert.NotNil(t, lc)
	assert.Equal(t, 30*time.Second, lc.config.Interval)
	assert.Equal(t, 10*time.Second, lc.config.DeploymentTimeout)
	assert.Equal(t, 5, lc.config.MaxConcurrent)
}

func TestNewLivenessChecker_CustomConfig(t *testing.T) {
	config := LivenessConfig{
		Interval:          time.Minute,
		DeploymentTimeout: 2 * time.Second,
		MaxConcurrent:     8,
	}
	lc := NewLivenessChecker(&stubTarget{}, config, slog.Default())

	assert.Equal(t, config, lc.config)
}

// =============================================================================
// Test Lifecycle
// =============================================================================

func TestLivenessChecker_StartStop(t *testing.T) {
	target := &stubTarget{}
	lc := NewLivenessChecker(target, LivenessConfig{
		Interval: 100 * time.Millisecond,
	}, slog.Default())

	lc.Start()
	time.Sleep(50 * time.Millisecond)
	lc.Stop()

	// first cycle runs immediately
	assert.GreaterOrEqual(t, target.listCalls(), 1)

	// restartable
	lc.Start()
	lc.Stop()
}

func TestLivenessChecker_StopWithoutStart(t *testing.T) {
	lc := NewLivenessChecker(&stubTarget{}, LivenessConfig{}, nil)

	// Stop without start should not panic
	lc.Stop()
}

// =============================================================================
// Test Cycles
// =============================================================================

func TestLivenessChecker_CheckAllNow(t *testing.T) {
	target := &stubTarget{
		ids:  []string{"a", "b", "c"},
		dead: map[string]bool{"b": true},
	}
	lc := NewLivenessChecker(target, LivenessConfig{}, slog.Default())

	lost := lc.CheckAllNow(context.Background())

	assert.Equal(t, 1, lost)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, target.checkedIDs())
	assert.Equal(t, 1, target.refreshes)
}

func TestLivenessChecker_NoCandidatesStillRefreshes(t *testing.T) {
	target := &stubTarget{}
	lc := NewLivenessChecker(target, LivenessConfig{}, slog.Default())

	assert.Zero(t, lc.CheckAllNow(context.Background()))
	assert.Empty(t, target.checkedIDs())
	assert.Equal(t, 1, target.refreshes)
}

func TestLivenessChecker_ListFailureSkipsCycle(t *testing.T) {
	target := &stubTarget{listErr: errors.New("database is locked")}
	lc := NewLivenessChecker(target, LivenessConfig{}, slog.Default())

	assert.Zero(t, lc.CheckAllNow(context.Background()))
	assert.Zero(t, target.refreshes)
}

func TestLivenessChecker_ConcurrencyLimit(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("dep-%d", i)
	}
	target := &stubTarget{ids: ids, delay: 20 * time.Millisecond}
	lc := NewLivenessChecker(target, LivenessConfig{MaxConcurrent: 3}, slog.Default())

	lc.CheckAllNow(context.Background())

	require.Len(t, target.checkedIDs(), 10)
	assert.LessOrEqual(t, target.peak, 3)
}

func TestLivenessChecker_ProbeGetsDeadline(t *testing.T) {
	target := &stubTarget{ids: []string{"a"}}
	lc := NewLivenessChecker(target, LivenessConfig{DeploymentTimeout: time.Second}, slog.Default())

	lc.CheckAllNow(context.Background())

	assert.True(t, target.sawDeadline)
}

// =============================================================================
// Stub Target
// =============================================================================

type stubTarget struct {
	ids     []string
	dead    map[string]bool
	listErr error
	delay   time.Duration

	mu          sync.Mutex
	lists       int
	checked     []string
	refreshes   int
	active      int
	peak        int
	sawDeadline bool
}

func (s *stubTarget) LivenessCandidates(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.ids, nil
}

func (s *stubTarget) CheckDeployment(ctx context.Context, id string) bool {
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	if _, ok := ctx.Deadline(); ok {
		s.sawDeadline = true
	}
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.checked = append(s.checked, id)
	return s.dead[id]
}

func (s *stubTarget) RefreshStatusCounts(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
}

func (s *stubTarget) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *stubTarget) checkedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.checked...)
}
