package servant

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const (
	// How often a heartbeat is sent, and the lease we ask for. The lease
	// is twice the interval so one dropped heartbeat doesn't expire us.
	heartbeatInterval = 10 * time.Second
	heartbeatLease    = 20 * time.Second
)

// HeartbeatOptions configures the Heartbeater.
type HeartbeatOptions struct {
	Scheduler *api.SchedulerClient

	// "ip:port" of this servant's RPC listener, as reachable by peers.
	Location string

	Version  int
	MaxTasks int
	Priority model.ServantPriority

	Registry *CompilerRegistry
	Engine   *Engine

	// Receives the token window from every heartbeat response.
	Service *Service
}

// Heartbeater keeps this servant registered with the scheduler and acts
// on the response: refreshing acceptable serving-daemon tokens and
// killing tasks whose grants have expired.
type Heartbeater struct {
	opts       HeartbeatOptions
	instanceID uuid.UUID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHeartbeater constructs a Heartbeater.
func NewHeartbeater(opts HeartbeatOptions) *Heartbeater {
	return &Heartbeater{
		opts:       opts,
		instanceID: uuid.New(),
		stopCh:     make(chan struct{}),
	}
}

// Start sends one heartbeat immediately, then keeps heartbeating in the
// background.
func (h *Heartbeater) Start() {
	h.beatOnce()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				h.beatOnce()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop sends a parting zero-lease heartbeat so the scheduler stops
// assigning tasks to us right away, then halts the loop.
func (h *Heartbeater) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req := h.buildRequest()
	req.NextHeartbeatInMs = 0
	if _, err := h.opts.Scheduler.Heartbeat(ctx, req); err != nil {
		nlog.Warningf("Parting heartbeat failed: %v.", err)
	}
}

func (h *Heartbeater) buildRequest() *api.HeartbeatRequest {
	total, available := memoryInfo()
	return &api.HeartbeatRequest{
		Version:           h.opts.Version,
		InstanceID:        h.instanceID.String(),
		Location:          h.opts.Location,
		EnvDescs:          h.opts.Registry.Environments(),
		NumProcessors:     runtime.NumCPU(),
		CurrentLoad:       loadAverage(),
		TotalMemory:       total,
		MemoryAvailable:   available,
		ServantPriority:   int(h.opts.Priority),
		Capacity:          h.opts.MaxTasks,
		RunningTasks:      h.opts.Engine.RunningTasks(),
		NextHeartbeatInMs: heartbeatLease.Milliseconds(),
	}
}

func (h *Heartbeater) beatOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.opts.Scheduler.Heartbeat(ctx, h.buildRequest())
	if err != nil {
		nlog.Warningf("Heartbeat to scheduler failed: %v.", err)
		return
	}
	h.opts.Service.UpdateAcceptableTokens(resp.AcceptableTokens)
	h.opts.Engine.KillExpiredTasks(resp.ExpiredTaskIDs)
}
