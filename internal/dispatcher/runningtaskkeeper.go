package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const (
	runningTasksRefreshInterval = time.Second
	runningTasksMaxStaleness    = 5 * time.Second
)

// RunningTaskKeeper mirrors the scheduler's view of cluster-wide
// in-flight tasks, keyed by task digest, so an identical task can
// reference an existing remote compilation instead of starting another.
type RunningTaskKeeper struct {
	scheduler *api.SchedulerClient

	mu         sync.Mutex
	tasks      map[string]api.RunningTaskDesc
	lastUpdate time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunningTaskKeeper builds a keeper syncing from scheduler.
func NewRunningTaskKeeper(scheduler *api.SchedulerClient) *RunningTaskKeeper {
	return &RunningTaskKeeper{
		scheduler: scheduler,
		tasks:     make(map[string]api.RunningTaskDesc),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (r *RunningTaskKeeper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(runningTasksRefreshInterval)
		defer t.Stop()
		r.refresh()
		for {
			select {
			case <-t.C:
				r.refresh()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (r *RunningTaskKeeper) Stop() { close(r.stopCh) }

// Join waits for the refresh loop to exit.
func (r *RunningTaskKeeper) Join() { r.wg.Wait() }

// TryFindTask looks the digest up in the latest snapshot. A stale
// snapshot (sync failing for a while) matches nothing.
func (r *RunningTaskKeeper) TryFindTask(digest string) (api.RunningTaskDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastUpdate) > runningTasksMaxStaleness {
		return api.RunningTaskDesc{}, false
	}
	desc, ok := r.tasks[digest]
	return desc, ok
}

func (r *RunningTaskKeeper) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := r.scheduler.GetRunningTasks(ctx)
	if err != nil {
		nlog.Warningf("Failed to sync running tasks from scheduler: %v.", err)
		r.mu.Lock()
		// Drop the view rather than serve stale dedup targets.
		if time.Since(r.lastUpdate) > runningTasksMaxStaleness && len(r.tasks) > 0 {
			r.tasks = make(map[string]api.RunningTaskDesc)
		}
		r.mu.Unlock()
		return
	}

	fresh := make(map[string]api.RunningTaskDesc, len(resp.RunningTasks))
	for _, t := range resp.RunningTasks {
		fresh[t.TaskDigest] = t
	}
	r.mu.Lock()
	r.tasks = fresh
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}
