package dispatcher

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/yadcc-go/yadcc/internal/nlog"
)

// isProcessAlive tests whether pid still exists, via procfs.
func isProcessAlive(pid int) bool {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}

// LocalTaskMonitorOptions configures a LocalTaskMonitor.
type LocalTaskMonitorOptions struct {
	// Maximum concurrent heavy local tasks. Defaults to nproc/2:
	// defaulting to nproc OOMs easily on linking-heavy workloads.
	MaxTasks int

	// Extra slots granted only to lightweight tasks (preprocessing).
	LightweightOverprovision int
}

func (o LocalTaskMonitorOptions) withDefaults() LocalTaskMonitorOptions {
	if o.MaxTasks == 0 {
		o.MaxTasks = runtime.NumCPU() / 2
		if o.MaxTasks == 0 {
			o.MaxTasks = 1
		}
	}
	return o
}

// LocalTaskMonitor caps how many compiler processes run locally,
// independent of the distributed dispatcher. Each wrapper process holds
// at most one quota, keyed by its pid; quotas of crashed wrappers are
// reclaimed by a once-per-second proof-of-life check.
type LocalTaskMonitor struct {
	opts LocalTaskMonitorOptions

	mu          sync.Mutex
	wakeCh      chan struct{}
	lightweight map[int]bool // pid -> is lightweight

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLocalTaskMonitor constructs a monitor. Call Start to launch the
// proof-of-life sweep.
func NewLocalTaskMonitor(opts LocalTaskMonitorOptions) *LocalTaskMonitor {
	return &LocalTaskMonitor{
		opts:        opts.withDefaults(),
		wakeCh:      make(chan struct{}),
		lightweight: make(map[int]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the proof-of-life sweep.
func (m *LocalTaskMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.reclaimDead()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep and wakes blocked waiters.
func (m *LocalTaskMonitor) Stop() {
	close(m.stopCh)
	m.mu.Lock()
	notifyAll(&m.wakeCh)
	m.mu.Unlock()
}

// Join waits for the sweep to exit.
func (m *LocalTaskMonitor) Join() { m.wg.Wait() }

func (m *LocalTaskMonitor) capacityFor(lightweight bool) int {
	if lightweight {
		return m.opts.MaxTasks + m.opts.LightweightOverprovision
	}
	return m.opts.MaxTasks
}

func (m *LocalTaskMonitor) usedLocked(lightweight bool) int {
	if lightweight {
		return len(m.lightweight)
	}
	// Heavy requests only compete with heavy holders; lightweight
	// holders live in the overprovision band.
	heavy := 0
	for _, lw := range m.lightweight {
		if !lw {
			heavy++
		}
	}
	return heavy
}

// WaitForRunningNewTaskPermission blocks until a slot frees up or
// timeout passes. Granting is per-pid: a second acquire from the same
// pid replaces the first.
func (m *LocalTaskMonitor) WaitForRunningNewTaskPermission(pid int, lightweight bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	for {
		select {
		case <-m.stopCh:
			m.mu.Unlock()
			return false
		default:
		}
		if m.usedLocked(lightweight) < m.capacityFor(lightweight) {
			m.lightweight[pid] = lightweight
			m.mu.Unlock()
			return true
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			m.mu.Unlock()
			return false
		}
		ch := m.wakeCh
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-m.stopCh:
		}
		timer.Stop()
		m.mu.Lock()
	}
}

// DropTaskPermission releases pid's quota. Unknown pids are ignored.
func (m *LocalTaskMonitor) DropTaskPermission(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lightweight[pid]; ok {
		delete(m.lightweight, pid)
		notifyAll(&m.wakeCh)
	}
}

func (m *LocalTaskMonitor) reclaimDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for pid := range m.lightweight {
		if !isProcessAlive(pid) {
			delete(m.lightweight, pid)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		nlog.Warningf("Reclaimed %d local task quotas. Their holders have gone.", reclaimed)
		notifyAll(&m.wakeCh)
	}
}

// Internals reports current holders for the admin page.
func (m *LocalTaskMonitor) Internals() (used, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lightweight), m.opts.MaxTasks
}
