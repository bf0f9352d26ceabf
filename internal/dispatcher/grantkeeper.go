package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const (
	grantFetchMaxWait = 5 * time.Second
	// Tolerance of possible network delay: a grant is treated as expired
	// this much before the server would expire it.
	grantNetworkDelayTolerance = 5 * time.Second
	grantLease                 = 15 * time.Second
	grantFetchBackoff          = 100 * time.Millisecond
)

// GrantDesc is one prefetched allocation held locally until a task
// claims it or it goes stale.
type GrantDesc struct {
	GrantID         uint64
	ServantLocation string
	ExpiresAt       time.Time
}

type perEnvKeeper struct {
	env model.EnvironmentDesc

	mu      sync.Mutex
	queue   []GrantDesc
	waiters int
	// Closed-and-replaced broadcast channels: availableCh wakes Get
	// callers when grants arrive, needMoreCh wakes the fetcher when the
	// queue drains or a waiter shows up.
	availableCh chan struct{}
	needMoreCh  chan struct{}
}

// TaskGrantKeeper prefetches and pools scheduler grants, one fetcher
// goroutine per environment, so a task start rarely pays a scheduler
// round trip.
type TaskGrantKeeper struct {
	scheduler *api.SchedulerClient

	mu      sync.Mutex
	keepers map[string]*perEnvKeeper

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTaskGrantKeeper builds a keeper fetching from scheduler.
func NewTaskGrantKeeper(scheduler *api.SchedulerClient) *TaskGrantKeeper {
	return &TaskGrantKeeper{
		scheduler: scheduler,
		keepers:   make(map[string]*perEnvKeeper),
		stopCh:    make(chan struct{}),
	}
}

// Get returns a grant for env, waiting up to timeout. A nil return
// means no quota materialized in time; callers retry while their own
// deadline allows.
func (g *TaskGrantKeeper) Get(env model.EnvironmentDesc, timeout time.Duration) *GrantDesc {
	k := g.keeperFor(env)
	deadline := time.Now().Add(timeout)

	k.mu.Lock()
	k.dropExpiredLocked()
	if grant := k.popLocked(); grant != nil {
		k.mu.Unlock()
		return grant
	}

	k.waiters++
	defer func() {
		k.waiters--
		k.mu.Unlock()
	}()

	for {
		k.notifyNeedMoreLocked()
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		ch := k.availableCh
		k.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-g.stopCh:
		}
		timer.Stop()

		k.mu.Lock()
		select {
		case <-g.stopCh:
			return nil
		default:
		}
		k.dropExpiredLocked()
		if grant := k.popLocked(); grant != nil {
			return grant
		}
	}
}

// Free releases the grant back to the scheduler, asynchronously.
// Failure is harmless: the grant expires on its own.
func (g *TaskGrantKeeper) Free(grantID uint64) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.scheduler.FreeTask(ctx, &api.FreeTaskRequest{TaskGrantIDs: []uint64{grantID}}); err != nil {
			nlog.Warningf("Failed to free task grant [%d]. Ignoring: %v.", grantID, err)
		}
	}()
}

// Stop wakes every fetcher and waiter so they can observe shutdown.
func (g *TaskGrantKeeper) Stop() {
	close(g.stopCh)
	g.mu.Lock()
	for _, k := range g.keepers {
		k.mu.Lock()
		notifyAll(&k.availableCh)
		notifyAll(&k.needMoreCh)
		k.mu.Unlock()
	}
	g.mu.Unlock()
}

// Join waits for the fetchers and any in-flight Free RPCs.
func (g *TaskGrantKeeper) Join() {
	g.wg.Wait()
}

func (g *TaskGrantKeeper) keeperFor(env model.EnvironmentDesc) *perEnvKeeper {
	g.mu.Lock()
	defer g.mu.Unlock()
	k, ok := g.keepers[env.CompilerDigest]
	if !ok {
		k = &perEnvKeeper{
			env:         env,
			availableCh: make(chan struct{}),
			needMoreCh:  make(chan struct{}),
		}
		g.keepers[env.CompilerDigest] = k
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.fetcherProc(k)
		}()
	}
	return k
}

func (k *perEnvKeeper) dropExpiredLocked() {
	now := time.Now()
	for len(k.queue) > 0 && k.queue[0].ExpiresAt.Before(now) {
		k.queue = k.queue[1:]
	}
}

func (k *perEnvKeeper) popLocked() *GrantDesc {
	if len(k.queue) == 0 {
		return nil
	}
	grant := k.queue[0]
	k.queue = k.queue[1:]
	if len(k.queue) == 0 {
		k.notifyNeedMoreLocked()
	}
	return &grant
}

func (k *perEnvKeeper) notifyNeedMoreLocked() { notifyAll(&k.needMoreCh) }

func notifyAll(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

func (g *TaskGrantKeeper) fetcherProc(k *perEnvKeeper) {
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		k.mu.Lock()
		for len(k.queue) > 0 && k.waiters == 0 {
			ch := k.needMoreCh
			k.mu.Unlock()
			select {
			case <-ch:
			case <-g.stopCh:
				return
			}
			k.mu.Lock()
		}
		waiters := k.waiters
		k.mu.Unlock()

		beforeRPC := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), grantFetchMaxWait+5*time.Second)
		resp, err := g.scheduler.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
			EnvDesc:            k.env,
			ImmediateReqs:      waiters,
			PrefetchReqs:       1,
			NextKeepAliveInMs:  grantLease.Milliseconds(),
			MillisecondsToWait: grantFetchMaxWait.Milliseconds(),
		})
		cancel()

		if err != nil {
			if !model.Is(err, model.ErrNoQuotaAvailable) || waiters > 0 {
				nlog.Warningf("Failed to acquire grant for starting new task: %v.", err)
			}
			select {
			case <-time.After(grantFetchBackoff):
			case <-g.stopCh:
				return
			}
			continue
		}

		// The scheduler may satisfy only part of our request; take
		// whatever came back.
		k.mu.Lock()
		for _, grant := range resp.Grants {
			k.queue = append(k.queue, GrantDesc{
				GrantID:         grant.TaskGrantID,
				ServantLocation: grant.ServantLocation,
				// Conservatively measured from before the RPC went out.
				ExpiresAt: beforeRPC.Add(grantLease - grantNetworkDelayTolerance),
			})
		}
		notifyAll(&k.availableCh)
		k.mu.Unlock()
	}
}
