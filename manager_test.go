package taskdeck

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/internal/gatewaytest"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

func newTaskFixture(t *testing.T) (*gatewaytest.Gateway, *TaskManager) {
	t.Helper()
	gw := gatewaytest.New()
	m := NewTaskManager(gw, WithLogger(logger.Nop()))
	t.Cleanup(m.Dispose)
	return gw, m
}

func signIn(t *testing.T, gw *gatewaytest.Gateway, m *TaskManager, actor string, tasks ...models.Task) {
	t.Helper()
	gw.SetQueryResult(resourceTasks, tasks)
	require.NoError(t, m.SetUser(context.Background(), actor))
}

func TestSetUser(t *testing.T) {
	ctx := context.Background()

	t.Run("binds actor and loads", func(t *testing.T) {
		gw, m := newTaskFixture(t)
		signIn(t, gw, m, "alice", models.Task{ID: "t1", UserID: "alice", Title: "hello"})

		snap := m.Snapshot()
		assert.Equal(t, StatusReady, snap.Status)
		assert.False(t, snap.Syncing)
		require.Len(t, snap.Tasks, 1)
		assert.Equal(t, "t1", snap.Tasks[0].ID)
		assert.Equal(t, 1, gw.Calls("subscribe:"+resourceTasks))
	})

	t.Run("same actor is a no-op", func(t *testing.T) {
		gw, m := newTaskFixture(t)
		signIn(t, gw, m, "alice")

		queries := gw.Calls("query:" + resourceTasks)
		require.NoError(t, m.SetUser(ctx, "alice"))
		assert.Equal(t, queries, gw.Calls("query:"+resourceTasks))
	})

	t.Run("clearing the actor resets to idle", func(t *testing.T) {
		gw, m := newTaskFixture(t)
		signIn(t, gw, m, "alice", models.Task{ID: "t1", UserID: "alice"})

		require.NoError(t, m.SetUser(ctx, ""))
		snap := m.Snapshot()
		assert.Equal(t, StatusIdle, snap.Status)
		assert.Empty(t, snap.Tasks)
		assert.Empty(t, snap.Err)
	})

	t.Run("first load failure reports error but still attaches realtime", func(t *testing.T) {
		gw, m := newTaskFixture(t)
		gw.SetQueryErr(resourceTasks, assert.AnError)

		err := m.SetUser(ctx, "alice")
		require.Error(t, err)

		snap := m.Snapshot()
		assert.Equal(t, StatusError, snap.Status)
		assert.NotEmpty(t, snap.Err)
		assert.Equal(t, 1, gw.Calls("subscribe:"+resourceTasks),
			"a later successful refresh must catch up through the live feed")
	})
}

func TestRefreshCoalescing(t *testing.T) {
	ctx := context.Background()
	gw, m := newTaskFixture(t)
	signIn(t, gw, m, "alice")
	base := gw.Calls("query:" + resourceTasks)

	t.Run("concurrent non-forced calls share one fetch", func(t *testing.T) {
		release := gw.HoldQueries()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(ctx, false))
		}()
		require.Eventually(t, func() bool {
			return gw.Calls("query:"+resourceTasks) == base+1
		}, time.Second, time.Millisecond)

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(ctx, false))
		}()
		// Give the second caller time to join the flight before opening
		// the gate.
		time.Sleep(20 * time.Millisecond)
		release()
		wg.Wait()

		assert.Equal(t, base+1, gw.Calls("query:"+resourceTasks))
		base = gw.Calls("query:" + resourceTasks)
	})

	t.Run("force starts a second fetch", func(t *testing.T) {
		release := gw.HoldQueries()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(ctx, false))
		}()
		require.Eventually(t, func() bool {
			return gw.Calls("query:"+resourceTasks) == base+1
		}, time.Second, time.Millisecond)

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(ctx, true))
		}()
		require.Eventually(t, func() bool {
			return gw.Calls("query:"+resourceTasks) == base+2
		}, time.Second, time.Millisecond)

		release()
		wg.Wait()
		assert.Equal(t, base+2, gw.Calls("query:"+resourceTasks))
	})
}

func TestRefreshFailurePreservesCache(t *testing.T) {
	ctx := context.Background()
	gw, m := newTaskFixture(t)
	signIn(t, gw, m, "alice", models.Task{ID: "t1", UserID: "alice", Title: "keep me"})

	gw.SetQueryErr(resourceTasks, assert.AnError)
	require.Error(t, m.Refresh(ctx, false))

	snap := m.Snapshot()
	assert.Equal(t, StatusReady, snap.Status,
		"a transient failure must not blank a screen that already has data")
	assert.False(t, snap.Syncing)
	assert.NotEmpty(t, snap.Err)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "keep me", snap.Tasks[0].Title)
}

func TestRefreshRequiresActor(t *testing.T) {
	_, m := newTaskFixture(t)
	assert.ErrorIs(t, m.Refresh(context.Background(), false), ErrNotSignedIn)
}

func TestStaleResultsDiscardedAfterActorSwitch(t *testing.T) {
	ctx := context.Background()
	gw, m := newTaskFixture(t)
	signIn(t, gw, m, "alice", models.Task{ID: "t1", UserID: "alice"})

	release := gw.HoldQueries()
	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx, true) }()
	require.Eventually(t, func() bool {
		return gw.Calls("query:"+resourceTasks) >= 2
	}, time.Second, time.Millisecond)

	// The actor signs out while the refresh is still on the wire. Its
	// late result must not resurrect the previous actor's data.
	require.NoError(t, m.SetUser(ctx, ""))
	release()
	require.NoError(t, <-done)

	snap := m.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Tasks)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	gw, m := newTaskFixture(t)
	signIn(t, gw, m, "alice")

	m.Dispose()
	m.Dispose() // idempotent

	assert.ErrorIs(t, m.SaveTask(ctx, models.Task{Title: "x"}), ErrDisposed)
	assert.ErrorIs(t, m.Refresh(ctx, false), ErrDisposed)
	assert.ErrorIs(t, m.SetUser(ctx, "bob"), ErrDisposed)
	assert.Zero(t, gw.Calls("mutate:"+resourceTasks))
}

func TestSubscribeReceivesPublications(t *testing.T) {
	gw, m := newTaskFixture(t)

	var mu sync.Mutex
	var statuses []Status
	unsub := m.Subscribe(func(s TasksSnapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})
	defer unsub()

	signIn(t, gw, m, "alice")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, StatusIdle, statuses[0], "immediate callback with the pre-login snapshot")
	assert.Equal(t, StatusLoading, statuses[1])
	assert.Equal(t, StatusReady, statuses[len(statuses)-1])
}
