package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/scheduler"
)

func envOf(digest string) model.EnvironmentDesc {
	return model.EnvironmentDesc{CompilerDigest: digest}
}

func servantAt(location string, env string, maxTasks int) scheduler.ServantPersonality {
	return scheduler.ServantPersonality{
		Version:          1,
		ObservedLocation: model.ServantLocation(location),
		ReportedLocation: model.ServantLocation(location),
		Environments:     []model.EnvironmentDesc{envOf(env)},
		NumProcessors:    maxTasks,
		MaxTasks:         maxTasks,
		MemoryAvailable:  64 << 30,
		Priority:         model.PriorityUser,
	}
}

func newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		MinMemoryForNewTask: 1 << 30,
		ExpirationInterval:  10 * time.Millisecond,
	})
}

func TestAllocateOnSingleServant(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, model.ServantLocation("10.0.0.1:8336"), alloc.ServantLocation)
	require.NotZero(t, alloc.GrantID)
}

func TestNoQuotaWhenEnvironmentUnknown(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	_, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("clang-12")},
		10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestCapacityCeilingIsEnforced(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 2), 10*time.Second)

	p := model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")}
	for i := 0; i < 2; i++ {
		_, err := s.WaitForStartingNewTask(p, 10*time.Second, time.Second, false)
		require.NoError(t, err)
	}
	_, err := s.WaitForStartingNewTask(p, 10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestFreeTaskWakesBlockedWaiter(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 1), 10*time.Second)

	p := model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")}
	first, err := s.WaitForStartingNewTask(p, 10*time.Second, time.Second, false)
	require.NoError(t, err)

	done := make(chan *scheduler.TaskAllocation, 1)
	go func() {
		alloc, err := s.WaitForStartingNewTask(p, 10*time.Second, 5*time.Second, false)
		if err == nil {
			done <- alloc
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	s.FreeTask(first.GrantID)

	select {
	case alloc := <-done:
		require.NotNil(t, alloc)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by FreeTask")
	}
}

func TestForeignLoadSubtractedOnce(t *testing.T) {
	s := newScheduler()
	// 8 processors, a stale load sample of 3, max 8 tasks. As our own
	// tasks accumulate they compensate the load sample one for one, so
	// allocation saturates at 8, not at 8-3.
	sp := servantAt("10.0.0.1:8336", "g++-10", 8)
	sp.CurrentLoad = 3
	s.KeepServantAlive(sp, 10*time.Second)

	p := model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")}
	granted := 0
	for {
		_, err := s.WaitForStartingNewTask(p, 10*time.Second, 10*time.Millisecond, false)
		if err != nil {
			break
		}
		granted++
		require.Less(t, granted, 20, "allocation never saturated")
	}
	require.Equal(t, 8, granted)
}

func TestMinVersionExcludesOldServants(t *testing.T) {
	s := newScheduler()
	old := servantAt("10.0.0.1:8336", "g++-10", 4)
	old.Version = 1
	s.KeepServantAlive(old, 10*time.Second)

	_, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10"), MinVersion: 2},
		10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)

	_, err = s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10"), MinVersion: 1},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
}

func TestHeavyForeignLoadBlocksAllocation(t *testing.T) {
	s := newScheduler()
	sp := servantAt("10.0.0.1:8336", "g++-10", 8)
	sp.NumProcessors = 4
	sp.CurrentLoad = 12
	s.KeepServantAlive(sp, 10*time.Second)

	_, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestLowMemoryServantAcceptsNoNewTasks(t *testing.T) {
	s := newScheduler()
	sp := servantAt("10.0.0.1:8336", "g++-10", 4)
	sp.MemoryAvailable = 1 << 20
	s.KeepServantAlive(sp, 10*time.Second)

	_, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestSelfIsLastResort(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.2:8336", "g++-10", 4), 10*time.Second)
	s.KeepServantAlive(servantAt("10.0.0.3:8336", "g++-10", 4), 10*time.Second)

	// The requestor is 10.0.0.2; the other machine must win even though
	// both are idle.
	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, model.ServantLocation("10.0.0.3:8336"), alloc.ServantLocation)
}

func TestSelfUsedWhenAlone(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.2:8336", "g++-10", 4), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, model.ServantLocation("10.0.0.2:8336"), alloc.ServantLocation)
}

func TestDedicatedServantPreferredUnderLightLoad(t *testing.T) {
	s := newScheduler()
	user := servantAt("10.0.0.3:8336", "g++-10", 16)
	s.KeepServantAlive(user, 10*time.Second)
	dedicated := servantAt("10.0.0.4:8336", "g++-10", 16)
	dedicated.Priority = model.PriorityDedicated
	s.KeepServantAlive(dedicated, 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, model.ServantLocation("10.0.0.4:8336"), alloc.ServantLocation)
}

func TestLeastUtilizedServantWins(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.3:8336", "g++-10", 2), 10*time.Second)
	s.KeepServantAlive(servantAt("10.0.0.4:8336", "g++-10", 8), 10*time.Second)

	p := model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")}
	// First grant lands somewhere; afterwards the bigger machine has
	// strictly lower utilization until it catches up.
	counts := map[model.ServantLocation]int{}
	for i := 0; i < 5; i++ {
		alloc, err := s.WaitForStartingNewTask(p, 10*time.Second, time.Second, false)
		require.NoError(t, err)
		counts[alloc.ServantLocation]++
	}
	require.GreaterOrEqual(t, counts["10.0.0.4:8336"], 4)
}

func TestGrantLeaseExpiryMakesZombieThenSweeps(t *testing.T) {
	s := newScheduler()
	s.Start()
	defer s.Stop()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		30*time.Millisecond, time.Second, false)
	require.NoError(t, err)

	// Wait past the lease plus one expiration tick: the grant is zombie,
	// keep-alive must refuse it. Probing earlier would renew the lease.
	time.Sleep(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return !s.KeepTaskAlive(alloc.GrantID, 10*time.Second)
	}, time.Second, 10*time.Millisecond)

	// The servant's heartbeat doesn't list the task; the zombie is
	// forgotten for good.
	unknown := s.ExamineRunningTasks("10.0.0.1:8336", nil)
	require.Empty(t, unknown)
	require.False(t, s.KeepTaskAlive(alloc.GrantID, 10*time.Second))

	// Its capacity is usable again.
	for i := 0; i < 4; i++ {
		_, err := s.WaitForStartingNewTask(
			model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
			10*time.Second, time.Second, false)
		require.NoError(t, err)
	}
}

func TestZombieRetainedWhileServantStillRunsIt(t *testing.T) {
	s := newScheduler()
	s.Start()
	defer s.Stop()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 1), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		30*time.Millisecond, time.Second, false)
	require.NoError(t, err)

	// Let the lease lapse without renewing it; then the grant is zombie.
	time.Sleep(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return !s.KeepTaskAlive(alloc.GrantID, 10*time.Second)
	}, time.Second, 10*time.Millisecond)

	// The servant still reports the task: the zombie must be retained,
	// keeping the slot occupied so we don't over-schedule.
	s.ExamineRunningTasks("10.0.0.1:8336", []api.RunningTask{{TaskGrantID: alloc.GrantID}})
	_, err = s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, 50*time.Millisecond, false)
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)

	// Next heartbeat no longer lists it; the slot frees up.
	s.ExamineRunningTasks("10.0.0.1:8336", nil)
	_, err = s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)
}

func TestServantLossDropsItsGrants(t *testing.T) {
	s := newScheduler()
	s.Start()
	defer s.Stop()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 50*time.Millisecond)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)

	// Servant stops heartbeating; record and grant both disappear.
	require.Eventually(t, func() bool {
		return !s.KeepTaskAlive(alloc.GrantID, 10*time.Second)
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, s.DumpInternals().ServantsUp)
}

func TestExamineRunningTasksReportsUnknownTasks(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	unknown := s.ExamineRunningTasks("10.0.0.1:8336", []api.RunningTask{{TaskGrantID: 12345}})
	require.Equal(t, []uint64{12345}, unknown)
}

func TestRunningTasksSnapshotCarriesDigests(t *testing.T) {
	s := newScheduler()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		10*time.Second, time.Second, false)
	require.NoError(t, err)

	// Nothing confirmed by the servant yet.
	require.Empty(t, s.RunningTasks())

	s.ExamineRunningTasks("10.0.0.1:8336", []api.RunningTask{{
		TaskGrantID: alloc.GrantID, ServantTaskID: 7, TaskDigest: "digest-d",
	}})
	running := s.RunningTasks()
	require.Len(t, running, 1)
	require.Equal(t, alloc.GrantID, running[0].TaskGrantID)
	require.EqualValues(t, 7, running[0].ServantTaskID)
	require.Equal(t, "10.0.0.1:8336", running[0].ServantLocation)
	require.Equal(t, "digest-d", running[0].TaskDigest)
}

func TestKeepTaskAliveExtendsLease(t *testing.T) {
	s := newScheduler()
	s.Start()
	defer s.Stop()
	s.KeepServantAlive(servantAt("10.0.0.1:8336", "g++-10", 4), 10*time.Second)

	alloc, err := s.WaitForStartingNewTask(
		model.TaskPersonality{RequestorIP: "10.0.0.2", EnvDesc: envOf("g++-10")},
		60*time.Millisecond, time.Second, false)
	require.NoError(t, err)

	// Keep renewing past what the original lease would have allowed.
	for i := 0; i < 5; i++ {
		require.True(t, s.KeepTaskAlive(alloc.GrantID, 100*time.Millisecond))
		time.Sleep(40 * time.Millisecond)
	}
}
