package proactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkScheduleImmediateRunsOnceThenRemoved(t *testing.T) {
	s := newWorkSchedule(nil)

	calls := 0
	s.addWork(func() { calls++ }, 0, false)
	require.Equal(t, 1, s.scheduledWork())

	invoked, ok := s.doWork(false, false)
	require.Equal(t, 1, invoked)
	require.True(t, ok)
	require.Equal(t, 1, calls)

	// Deadline (now+0) has passed by the second cycle at the latest:
	// the entry is gone by then and does not fire again.
	time.Sleep(time.Millisecond)
	invoked, ok = s.doWork(false, false)
	require.Equal(t, 0, invoked)
	require.True(t, ok)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, s.scheduledWork())
}

func TestWorkSchedulePermanentRunsEveryCycleUntilRemoved(t *testing.T) {
	s := newWorkSchedule(nil)

	calls := 0
	s.addWork(func() { calls++ }, PermanentCompletionHandler, false)
	require.Equal(t, 1, s.permanentWork())

	for i := 0; i < 5; i++ {
		s.doWork(false, false)
	}
	require.Equal(t, 5, calls)
	require.Equal(t, 1, s.permanentWork(), "permanent work is never removed by doWork")

	s.removePermanentWork(-1)
	require.Equal(t, 0, s.permanentWork())
	s.doWork(false, false)
	require.Equal(t, 5, calls)
}

func TestWorkScheduleDeadlineExpiresAndIsRemoved(t *testing.T) {
	s := newWorkSchedule(nil)

	calls := 0
	s.addWork(func() { calls++ }, 20*time.Millisecond, false)
	require.Equal(t, 1, s.scheduledWork())

	// Before the deadline: the entry fires every cycle (spec §4.2).
	s.doWork(false, false)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, s.scheduledWork())

	// Once the deadline passes, the entry is dropped without an extra
	// invocation — it already fired on every cycle leading up to it.
	time.Sleep(30 * time.Millisecond)
	invoked, ok := s.doWork(true, false)
	require.Equal(t, 0, invoked)
	require.True(t, ok)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, s.scheduledWork())
}

func TestWorkScheduleExpiredOnlyServicesOnlyPastDeadlines(t *testing.T) {
	s := newWorkSchedule(nil)

	var fired []string
	s.addWork(func() { fired = append(fired, "soon") }, 5*time.Millisecond, false)
	s.addWork(func() { fired = append(fired, "later") }, time.Hour, false)

	time.Sleep(15 * time.Millisecond)
	invoked, ok := s.doWork(false, true)
	require.Equal(t, 1, invoked)
	require.True(t, ok)
	require.Equal(t, []string{"soon"}, fired)
	require.Equal(t, 1, s.scheduledWork())
}

func TestWorkScheduleRemoveScheduledAndPermanentIndependently(t *testing.T) {
	s := newWorkSchedule(nil)

	s.addWork(func() {}, time.Hour, false)
	s.addWork(func() {}, time.Hour, false)
	s.addWork(func() {}, PermanentCompletionHandler, false)

	require.Equal(t, 2, s.scheduledWork())
	require.Equal(t, 1, s.permanentWork())

	s.removeScheduledWork(1)
	require.Equal(t, 1, s.scheduledWork())
	require.Equal(t, 1, s.permanentWork())

	s.removeWork()
	require.Equal(t, 0, s.scheduledWork())
	require.Equal(t, 0, s.permanentWork())
}

func TestWorkScheduleFrontInsertion(t *testing.T) {
	s := newWorkSchedule(nil)

	var order []int
	s.addWork(func() { order = append(order, 1) }, PermanentCompletionHandler, false)
	s.addWork(func() { order = append(order, 2) }, PermanentCompletionHandler, true)

	s.doWork(false, false)
	require.Equal(t, []int{2, 1}, order)
}

func TestWorkScheduleRunOneBlocksUntilDue(t *testing.T) {
	s := newWorkSchedule(nil)
	done := make(chan struct{})

	calls := 0
	s.addWork(func() { calls++ }, 10*time.Millisecond, false)

	result := make(chan int, 1)
	go func() { result <- s.runOne(done) }()

	select {
	case r := <-result:
		require.Equal(t, 1, r)
		require.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("runOne did not return in time")
	}
	close(done)
}

func TestWorkScheduleCallbackPanicIsRecovered(t *testing.T) {
	s := newWorkSchedule(nil)

	s.addWork(func() { panic("boom") }, 0, false)
	var invoked int
	var ok bool
	require.NotPanics(t, func() { invoked, ok = s.doWork(false, false) })
	require.Equal(t, 1, invoked)
	require.False(t, ok, "doWork reports a panicking callback as not-ok")
}

func TestWorkScheduleRunOneReturnsZeroOnPanickingCallback(t *testing.T) {
	s := newWorkSchedule(nil)
	done := make(chan struct{})
	defer close(done)

	s.addWork(func() { panic("boom") }, 0, false)

	result := make(chan int, 1)
	go func() { result <- s.runOne(done) }()

	select {
	case r := <-result:
		require.Equal(t, 0, r, "spec §4.2/§7: run_one returns 0 when the invocation panicked")
	case <-time.After(time.Second):
		t.Fatal("runOne did not return in time")
	}
}
