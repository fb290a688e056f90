package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/resource"
	"github.com/fl-sean03/agentgate/internal/store"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, wo *model.WorkOrder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, wo.ID)
}

func (d *recordingDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

// recordingCanceler fakes the Engine's Canceler; cancel reports true only
// for run ids it was told are active.
type recordingCanceler struct {
	mu       sync.Mutex
	active   map[string]bool
	canceled []string
}

func newRecordingCanceler(activeIDs ...string) *recordingCanceler {
	c := &recordingCanceler{active: make(map[string]bool)}
	for _, id := range activeIDs {
		c.active[id] = true
	}
	return c
}

func (c *recordingCanceler) Cancel(workOrderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active[workOrderID] {
		return false
	}
	c.canceled = append(c.canceled, workOrderID)
	return true
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestAdmitPending_DispatchesEachPendingWorkOrderOnceAndReleasesTheProbeSlot(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, st.Save(&model.WorkOrder{ID: "wo-" + string(rune('a'+i)), Status: model.StatusPending}))
	}

	slots := resource.New(resource.Config{MaxConcurrentSlots: 1}, nil)
	dispatcher := &recordingDispatcher{}
	sched := New(Config{StaggerInterval: time.Millisecond}, st, slots, dispatcher, nil, audit.New(100), nil)

	sched.admitPending(context.Background())

	assert.Len(t, dispatcher.seen(), 2, "admission probes for capacity, not reservation, so every pending order dispatches")
	assert.Equal(t, 0, slots.ActiveCount(), "the admission probe must release its slot immediately")
}

func TestAdmitPending_StopsAdmittingWhenNoCapacity(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Save(&model.WorkOrder{ID: "wo-1", Status: model.StatusPending}))
	require.NoError(t, st.Save(&model.WorkOrder{ID: "wo-2", Status: model.StatusPending}))

	slots := resource.New(resource.Config{MaxConcurrentSlots: 1}, nil)
	// Pre-occupy the only slot so admission always reports no capacity.
	_, ok := slots.AcquireSlot("external")
	require.True(t, ok)

	dispatcher := &recordingDispatcher{}
	sched := New(Config{}, st, slots, dispatcher, nil, audit.New(100), nil)

	sched.admitPending(context.Background())
	assert.Empty(t, dispatcher.seen())
}

func TestTouchAndForget(t *testing.T) {
	sched := New(Config{}, nil, nil, nil, nil, audit.New(10), nil)
	sched.Touch("run-1")

	sched.mu.Lock()
	_, ok := sched.activity["run-1"]
	_, startedOk := sched.started["run-1"]
	sched.mu.Unlock()
	assert.True(t, ok)
	assert.True(t, startedOk)

	sched.Forget("run-1")
	sched.mu.Lock()
	_, ok = sched.activity["run-1"]
	_, startedOk = sched.started["run-1"]
	sched.mu.Unlock()
	assert.False(t, ok)
	assert.False(t, startedOk)
}

func TestDetectStale_FlagsRunsPastStaleAfterAndCancelsViaEngine(t *testing.T) {
	auditLog := audit.New(10)
	canceler := newRecordingCanceler("run-1")
	sched := New(Config{StaleAfter: time.Millisecond}, nil, nil, nil, canceler, auditLog, nil)
	sched.Touch("run-1")

	time.Sleep(5 * time.Millisecond)
	sched.detectStale()

	events := auditLog.GetWorkOrderTimeline("run-1")
	require.NotEmpty(t, events)

	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, model.EventStaleDetected)
	assert.Contains(t, types, model.EventDeadProcess)
	assert.Contains(t, types, model.EventStaleCancelled)
	assert.Contains(t, types, model.EventStaleHandled)
	assert.Equal(t, []string{"run-1"}, canceler.canceled, "an actively running run is canceled cooperatively through the Engine")

	sched.mu.Lock()
	_, stillTracked := sched.activity["run-1"]
	sched.mu.Unlock()
	assert.False(t, stillTracked, "a handled stale run is forgotten")
}

func TestDetectStale_ForcesStoreCancelWhenEngineHasNoActiveRun(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Save(&model.WorkOrder{ID: "wo-orphan", Status: model.StatusRunning}))

	auditLog := audit.New(10)
	sched := New(Config{StaleAfter: time.Millisecond}, st, nil, nil, newRecordingCanceler(), auditLog, nil)
	sched.Touch("wo-orphan")

	time.Sleep(5 * time.Millisecond)
	sched.detectStale()

	wo, err := st.Load("wo-orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, wo.Status)
	require.NotNil(t, wo.TerminalError)
	assert.NotEmpty(t, wo.TerminalError.Message)
}

func TestDetectStale_ForcesCancelOnMaxRunningTimeRegardlessOfActivity(t *testing.T) {
	auditLog := audit.New(10)
	canceler := newRecordingCanceler("run-1")
	sched := New(Config{StaleAfter: time.Hour, MaxRunningTime: time.Millisecond}, nil, nil, nil, canceler, auditLog, nil)
	sched.Touch("run-1")

	time.Sleep(5 * time.Millisecond)
	sched.detectStale()

	assert.Equal(t, []string{"run-1"}, canceler.canceled)
	events := auditLog.GetWorkOrderTimeline("run-1")
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventStaleDetected, events[0].EventType)
	assert.Equal(t, true, events[0].Details["forced"])
}

func TestDetectStale_DoesNotFlagFreshActivity(t *testing.T) {
	auditLog := audit.New(10)
	sched := New(Config{StaleAfter: time.Hour}, nil, nil, nil, nil, auditLog, nil)
	sched.Touch("run-1")

	sched.detectStale()
	assert.Empty(t, auditLog.GetWorkOrderTimeline("run-1"))
}
