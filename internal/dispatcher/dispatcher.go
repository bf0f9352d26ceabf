package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/metrics"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
	"github.com/yadcc-go/yadcc/internal/transport"
)

const (
	// Successive poll failures tolerated before giving up on a servant.
	// The budget resets on any successful poll.
	servantWaitRetries = 4
	servantWaitBackoff = time.Second
	servantPollTime    = 2 * time.Second
	servantRPCTimeout  = 30 * time.Second

	keepAliveLease       = 10 * time.Second
	keepAliveGiveUpAfter = time.Minute

	doneTaskRetention = time.Minute
)

// WaitStatus is the outcome of WaitForTask.
type WaitStatus int

const (
	WaitOK WaitStatus = iota
	WaitTimeout
	WaitNotFound
)

type taskDesc struct {
	id   uint64
	task DistributedTask

	aborted atomic.Bool
	doneCh  chan struct{}

	mu              sync.Mutex
	state           model.TaskState
	startDeadline   time.Time
	startedAt       time.Time
	readyAt         time.Time
	dispatchedAt    time.Time
	completedAt     time.Time
	lastKeepAliveAt time.Time
	grantID         uint64
	servantLocation string
	servantTaskID   uint64
	output          TaskOutput
}

// Options wires a Dispatcher to its collaborators. GrantKeeper, Config
// and Scheduler are required; CacheReader and RunningTasks are optional
// (nil disables cache probing / in-flight dedup).
type Options struct {
	Scheduler    *api.SchedulerClient
	GrantKeeper  *TaskGrantKeeper
	Config       *ConfigKeeper
	CacheReader  *DistributedCacheReader
	RunningTasks *RunningTaskKeeper
	Metrics      *metrics.Daemon
}

// Dispatcher owns the local task registry and one worker goroutine per
// task, plus the 1Hz timer family: deadline aborts, grant keep-alive,
// orphan kills and done-task cleanup.
type Dispatcher struct {
	opts Options

	mu     sync.Mutex
	tasks  map[uint64]*taskDesc
	nextID uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Dispatcher. Call Start to launch the timers.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		opts:   opts,
		tasks:  make(map[uint64]*taskDesc),
		stopCh: make(chan struct{}),
	}
}

// Start launches the timer family.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.onAbortTimer()
				d.onKeepAliveTimer()
				d.onKillOrphanTimer()
				d.onCleanupTimer()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop aborts outstanding tasks and halts the timers.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.mu.Lock()
	for _, t := range d.tasks {
		t.aborted.Store(true)
	}
	d.mu.Unlock()
}

// Join waits for worker goroutines and timers to wind down.
func (d *Dispatcher) Join() { d.wg.Wait() }

// QueueTask registers the task and kicks off its worker. The task is
// aborted if it cannot be dispatched by startDeadline.
func (d *Dispatcher) QueueTask(task DistributedTask, startDeadline time.Time) uint64 {
	desc := &taskDesc{
		task:          task,
		doneCh:        make(chan struct{}),
		state:         model.TaskPending,
		startDeadline: startDeadline,
		startedAt:     time.Now(),
	}

	d.mu.Lock()
	d.nextID++
	desc.id = d.nextID
	d.tasks[desc.id] = desc
	d.mu.Unlock()

	if m := d.opts.Metrics; m != nil {
		m.TasksQueuedTotal.Inc()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.performOneTask(desc)
	}()
	return desc.id
}

// WaitForTask blocks until the task finishes or timeout passes. On
// WaitOK the task is forgotten and its output returned.
func (d *Dispatcher) WaitForTask(taskID uint64, timeout time.Duration) (*TaskOutput, WaitStatus) {
	d.mu.Lock()
	desc, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return nil, WaitNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-desc.doneCh:
	case <-timer.C:
		return nil, WaitTimeout
	}

	desc.mu.Lock()
	output := desc.output
	desc.mu.Unlock()

	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()
	return &output, WaitOK
}

func (d *Dispatcher) performOneTask(desc *taskDesc) {
	// Fail the task by default; unless we reach "done" with a real
	// output these fields are what the waiter sees.
	desc.mu.Lock()
	desc.output.ExitCode = exitCodeNotDispatched
	desc.mu.Unlock()

	defer func() {
		desc.mu.Lock()
		desc.state = model.TaskDone
		desc.completedAt = time.Now()
		desc.mu.Unlock()
		close(desc.doneCh)
		if m := d.opts.Metrics; m != nil {
			m.TasksCompletedTotal.Inc()
		}
	}()

	// Our lucky day?
	if d.opts.CacheReader != nil && desc.task.CacheControl() == model.CacheAllow {
		ctx, cancel := context.WithTimeout(context.Background(), servantRPCTimeout)
		entry, hit := d.opts.CacheReader.TryRead(ctx, desc.task.CacheKey())
		cancel()
		if hit {
			if m := d.opts.Metrics; m != nil {
				m.CacheHitsTotal.Inc()
			}
			desc.mu.Lock()
			desc.output = TaskOutput{
				ExitCode: entry.ExitCode,
				Stdout:   entry.Stdout,
				Stderr:   entry.Stderr,
				Files:    entry.Files,
			}
			desc.mu.Unlock()
			return
		}
	}

	// Someone else in the cluster compiling the same thing?
	if d.opts.RunningTasks != nil {
		if running, ok := d.opts.RunningTasks.TryFindTask(desc.task.TaskDigest()); ok {
			if d.referenceExistingTask(desc, running) {
				return
			}
			// Reference failed; compile it ourselves.
		}
	}

	// Wait until we can dispatch the task.
	var grant *GrantDesc
	for grant == nil && !desc.aborted.Load() {
		grant = d.opts.GrantKeeper.Get(desc.task.EnvironmentDesc(), time.Second)
	}
	if grant == nil {
		nlog.Errorf("Task %d cannot be started in time. Aborted.", desc.id)
		return
	}
	defer d.opts.GrantKeeper.Free(grant.GrantID)

	// Mark ready before submitting: submission can take long, and the
	// keep-alive timer must already cover this grant while it does.
	desc.mu.Lock()
	desc.state = model.TaskReadyToFire
	desc.readyAt = time.Now()
	desc.lastKeepAliveAt = time.Now()
	desc.grantID = grant.GrantID
	desc.servantLocation = grant.ServantLocation
	desc.mu.Unlock()

	client := api.NewServantClient(grant.ServantLocation, d.opts.Config.ServingDaemonToken())
	ctx, cancel := context.WithTimeout(context.Background(), servantRPCTimeout)
	servantTaskID, err := desc.task.Submit(ctx, client, grant.GrantID)
	cancel()
	if err != nil {
		nlog.Errorf("Failed to submit task %d to servant [%s]: %v.", desc.id, grant.ServantLocation, err)
		return
	}

	desc.mu.Lock()
	desc.state = model.TaskDispatched
	desc.dispatchedAt = time.Now()
	desc.servantTaskID = servantTaskID
	desc.mu.Unlock()

	defer func() {
		// Free the task info kept by the remote daemon. Best effort.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.FreeTask(ctx, servantTaskID)
	}()

	d.waitServantForTask(desc, client, servantTaskID, grant.ServantLocation)
}

// referenceExistingTask piggy-backs on an identical task already running
// elsewhere. Returns false if the reference could not be taken and the
// caller should compile normally.
func (d *Dispatcher) referenceExistingTask(desc *taskDesc, running api.RunningTaskDesc) bool {
	client := api.NewServantClient(running.ServantLocation, d.opts.Config.ServingDaemonToken())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	refID, err := client.ReferenceTask(ctx, running.TaskDigest)
	cancel()
	if err != nil {
		nlog.Warningf("Failed to reference task digest %q on [%s]: %v.", running.TaskDigest, running.ServantLocation, err)
		return false
	}
	nlog.Infof("Task %d reuses in-flight compilation [%d] on [%s].", desc.id, refID, running.ServantLocation)
	if m := d.opts.Metrics; m != nil {
		m.TasksReusedTotal.Inc()
	}

	desc.mu.Lock()
	desc.state = model.TaskDispatched
	desc.dispatchedAt = time.Now()
	desc.lastKeepAliveAt = time.Now()
	desc.servantLocation = running.ServantLocation
	desc.servantTaskID = refID
	desc.mu.Unlock()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.FreeTask(ctx, refID)
	}()
	d.waitServantForTask(desc, client, refID, running.ServantLocation)
	return true
}

func (d *Dispatcher) waitServantForTask(desc *taskDesc, client *api.ServantClient, servantTaskID uint64, location string) {
	retriesLeft := servantWaitRetries
	for !desc.aborted.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), servantRPCTimeout)
		resp, attachment, err := client.WaitForCompilationOutput(ctx, &api.WaitForCompilationOutputRequest{
			TaskID:                          servantTaskID,
			MillisecondsToWait:              servantPollTime.Milliseconds(),
			AcceptableCompressionAlgorithms: []api.CompressionAlgorithm{api.CompressionZstd},
		})
		cancel()

		if err != nil {
			if model.Is(err, model.ErrTransport) {
				if retriesLeft > 0 {
					retriesLeft--
					nlog.Warningf("RPC failure in waiting for task %d running on [%s]. %d retries left.", desc.id, location, retriesLeft)
					time.Sleep(servantWaitBackoff)
					continue
				}
				nlog.Errorf("RPC failure in waiting for task %d running on [%s]. Bailing out.", desc.id, location)
			} else {
				nlog.Errorf("Failed to wait on task %d running on [%s]: %v.", desc.id, location, err)
			}
			desc.mu.Lock()
			desc.output.ExitCode = exitCodeServantError
			desc.mu.Unlock()
			return
		}
		if resp.Status == api.TaskStatusRunning {
			// Not an error; refill the retry budget and keep waiting.
			retriesLeft = servantWaitRetries
			continue
		}

		if resp.ExitCode == 127 {
			// The servant could not start the compiler. The wrapper
			// falls back to compiling locally on this code.
			nlog.Warningf("Failed to start compiler on servant [%s]: %s", location, resp.Stderr)
		}

		output := TaskOutput{
			ExitCode: resp.ExitCode,
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			Patches:  resp.Patches,
		}
		files, err := decodeOutputFiles(resp, attachment)
		if err != nil {
			nlog.Errorf("Malformed output of task %d from servant [%s]: %v.", desc.id, location, err)
			desc.mu.Lock()
			desc.output.ExitCode = exitCodeServantError
			desc.mu.Unlock()
			return
		}
		output.Files = files

		desc.mu.Lock()
		desc.output = output
		desc.mu.Unlock()
		return
	}
}

func decodeOutputFiles(resp *api.WaitForCompilationOutputResponse, attachment []byte) ([]cacheformat.FileEntry, error) {
	if len(resp.FileExtensions) == 0 {
		return nil, nil
	}
	chunks, err := transport.ParseMultiChunk(attachment)
	if err != nil {
		return nil, err
	}
	if len(chunks) != len(resp.FileExtensions) {
		return nil, errors.Errorf("have %d file extensions but %d chunks", len(resp.FileExtensions), len(chunks))
	}
	files := make([]cacheformat.FileEntry, 0, len(chunks))
	for i, chunk := range chunks {
		data := chunk
		if resp.CompressionAlgorithm == api.CompressionZstd {
			if data, err = compression.Unzstd(chunk); err != nil {
				return nil, err
			}
		}
		files = append(files, cacheformat.FileEntry{Name: resp.FileExtensions[i], Data: data})
	}
	return files, nil
}

// onAbortTimer flags tasks stuck pending past their start deadline.
func (d *Dispatcher) onAbortTimer() {
	now := time.Now()
	aborted := 0
	d.mu.Lock()
	for _, t := range d.tasks {
		t.mu.Lock()
		pastDeadline := t.state == model.TaskPending && t.startDeadline.Before(now)
		t.mu.Unlock()
		if pastDeadline && !t.aborted.Load() {
			t.aborted.Store(true)
			aborted++
		}
	}
	d.mu.Unlock()
	if aborted > 0 {
		nlog.Warningf("Aborted [%d] tasks, they've been in pending state without having a chance for dispatching for too long.", aborted)
		if m := d.opts.Metrics; m != nil {
			m.TasksAbortedTotal.Add(float64(aborted))
		}
	}
}

// onKeepAliveTimer batches every live grant into one scheduler RPC. A
// task the scheduler hasn't acknowledged for over a minute is presumed
// killed and aborted.
func (d *Dispatcher) onKeepAliveTimer() {
	now := time.Now()
	var grantIDs []uint64
	var taskIDs []uint64

	d.mu.Lock()
	for id, t := range d.tasks {
		t.mu.Lock()
		live := (t.state == model.TaskReadyToFire || t.state == model.TaskDispatched) &&
			t.grantID != 0 && !t.aborted.Load()
		if live {
			if now.Sub(t.lastKeepAliveAt) > keepAliveGiveUpAfter {
				t.aborted.Store(true)
				nlog.Warningf("Keep-alive of task %d has been failing for more than %v. Aborting.", id, keepAliveGiveUpAfter)
				live = false
			}
		}
		if live {
			grantIDs = append(grantIDs, t.grantID)
			taskIDs = append(taskIDs, id)
		}
		t.mu.Unlock()
	}
	d.mu.Unlock()

	if len(grantIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.opts.Scheduler.KeepTaskAlive(ctx, &api.KeepTaskAliveRequest{
		TaskGrantIDs:      grantIDs,
		NextKeepAliveInMs: keepAliveLease.Milliseconds(),
	})
	if err != nil || len(resp.Statuses) != len(grantIDs) {
		nlog.Warningf("Failed to send keep alive to the scheduler. We'll retry later.")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, taskID := range taskIDs {
		t, ok := d.tasks[taskID]
		if !ok {
			continue // Completed while the RPC was in flight.
		}
		if resp.Statuses[i] {
			t.mu.Lock()
			t.lastKeepAliveAt = now
			t.mu.Unlock()
		} else {
			nlog.Warningf("Keep-alive request for task %d failed.", taskID)
		}
	}
}

// onKillOrphanTimer aborts tasks whose submitting process has gone.
func (d *Dispatcher) onKillOrphanTimer() {
	aborted := 0
	d.mu.Lock()
	for _, t := range d.tasks {
		if !t.aborted.Load() && !isProcessAlive(t.task.RequestorPID()) {
			t.aborted.Store(true)
			aborted++
		}
	}
	d.mu.Unlock()
	if aborted > 0 {
		nlog.Warningf("Killed %d orphan tasks. Submitter of these tasks have gone.", aborted)
		if m := d.opts.Metrics; m != nil {
			m.TasksAbortedTotal.Add(float64(aborted))
		}
	}
}

// onCleanupTimer drops finished tasks nobody collected, and finished
// aborted tasks.
func (d *Dispatcher) onCleanupTimer() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.tasks {
		t.mu.Lock()
		done := t.state == model.TaskDone
		completedAt := t.completedAt
		t.mu.Unlock()
		if !done {
			continue
		}
		if t.aborted.Load() {
			nlog.Warningf("Task [%d] is aborted.", id)
			delete(d.tasks, id)
		} else if completedAt.Add(doneTaskRetention).Before(now) {
			nlog.Warningf("Task [%d] has completed for a while and it seems that no one is interested in it. Dropping.", id)
			delete(d.tasks, id)
		}
	}
}

// Internals dumps per-task state for the admin page.
func (d *Dispatcher) Internals() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, 0, len(d.tasks))
	for id, t := range d.tasks {
		t.mu.Lock()
		entry := t.task.Dump()
		entry["task_id"] = id
		entry["state"] = t.state.String()
		entry["task_grant_id"] = t.grantID
		if t.servantLocation != "" {
			entry["servant_location"] = t.servantLocation
			entry["servant_task_id"] = t.servantTaskID
		}
		t.mu.Unlock()
		out = append(out, entry)
	}
	return out
}
