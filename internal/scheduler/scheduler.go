// Package scheduler implements the cluster-wide admission controller: it
// tracks live servants through their heartbeats, allocates time-bounded
// task grants binding a requestor to a servant, and reclaims capacity
// when grants or servants expire.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/debug"
	"github.com/yadcc-go/yadcc/internal/metrics"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

// ServantPersonality is everything a servant reports about itself in a
// heartbeat, after the service layer has normalized addresses and
// applied the NAT / zero-lease capacity overrides.
type ServantPersonality struct {
	Version            int
	InstanceID         uuid.UUID
	ObservedLocation   model.ServantLocation
	ReportedLocation   model.ServantLocation
	Environments       []model.EnvironmentDesc
	NumProcessors      int
	MaxTasks           int
	TotalMemory        uint64
	MemoryAvailable    uint64
	Priority           model.ServantPriority
	NotAcceptingReason model.NotAcceptingReason
	CurrentLoad        int
}

// TaskAllocation is a successful grant: the id the requestor must renew,
// and where to submit the task.
type TaskAllocation struct {
	GrantID         uint64
	ServantLocation model.ServantLocation
}

type servantDesc struct {
	personality  ServantPersonality
	discoveredAt time.Time
	expiresAt    time.Time

	runningTasks int
	everAssigned uint64
}

type grantDesc struct {
	grantID     uint64
	personality model.TaskPersonality
	servant     *servantDesc
	startedAt   time.Time
	expiresAt   time.Time
	isPrefetch  bool

	// Reported back by the owning servant's heartbeat once it has
	// accepted the task. Used to answer GetRunningTasks for dedup.
	servantTaskID uint64
	taskDigest    string

	// An expired grant is kept as a zombie until the owning servant's
	// next heartbeat no longer lists it. Forgetting it earlier risks
	// over-scheduling into a servant that hasn't noticed the expiry.
	zombie bool
}

// Options configures a Scheduler.
type Options struct {
	// Servants with less available memory than this accept no new tasks.
	MinMemoryForNewTask uint64

	// How often expired servants and grants are swept. 1s in production;
	// tests shorten it.
	ExpirationInterval time.Duration

	Metrics *metrics.Scheduler
}

func (o Options) withDefaults() Options {
	if o.MinMemoryForNewTask == 0 {
		o.MinMemoryForNewTask = 10 << 30
	}
	if o.ExpirationInterval == 0 {
		o.ExpirationInterval = time.Second
	}
	return o
}

// Scheduler owns the servant and grant registries. A single allocation
// lock guards both, making heartbeats, allocation and expiration
// linearizable; waiters are woken through a broadcast channel that is
// closed and replaced whenever capacity may have appeared.
type Scheduler struct {
	opts Options

	mu          sync.Mutex
	wakeCh      chan struct{}
	servants    []*servantDesc
	grants      map[uint64]*grantDesc
	nextGrantID uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Call Start to launch the expiration sweep.
func New(opts Options) *Scheduler {
	return &Scheduler{
		opts:   opts.withDefaults(),
		wakeCh: make(chan struct{}),
		grants: make(map[uint64]*grantDesc),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic expiration sweep.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.opts.ExpirationInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.onExpirationTimer()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the expiration sweep and wakes any blocked allocation
// waiters so they can observe shutdown.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	s.notifyLocked()
	s.mu.Unlock()
}

// notifyLocked wakes every allocation waiter. All of them must be woken:
// waiters are not interchangeable (they may want different
// environments).
func (s *Scheduler) notifyLocked() {
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
}

// KeepServantAlive upserts the servant record and refreshes its
// expiration. Capacity may have appeared (a new servant, or a raised
// max_tasks), so waiters are woken.
func (s *Scheduler) KeepServantAlive(p ServantPersonality, expiresIn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, e := range s.servants {
		if e.personality.ObservedLocation == p.ObservedLocation {
			// Had anything changed, respect whatever the servant reports.
			e.personality = p
			e.expiresAt = now.Add(expiresIn)
			s.notifyLocked()
			return
		}
	}

	added := &servantDesc{
		personality:  p,
		discoveredAt: now,
		expiresAt:    now.Add(expiresIn),
	}
	s.servants = append(s.servants, added)
	if p.ObservedLocation != p.ReportedLocation {
		nlog.Infof("Discovered new servant at [%s]. The servant is reporting itself at [%s]. It's likely the servant is behind NAT.",
			p.ObservedLocation, p.ReportedLocation)
	} else {
		nlog.Infof("Discovered new servant at [%s].", p.ObservedLocation)
	}
	if m := s.opts.Metrics; m != nil {
		m.ServantsRegistered.Set(float64(len(s.servants)))
	}
	s.notifyLocked()
}

// ExamineRunningTasks reconciles the servant's reported running set with
// our grant registry: zombie grants the servant no longer lists are
// swept, servant-side task ids and digests are recorded on the grants
// that carry them, and any task the servant runs without a live grant is
// returned so the servant can kill it.
func (s *Scheduler) ExamineRunningTasks(servantLocation model.ServantLocation, running []api.RunningTask) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var servant *servantDesc
	for _, e := range s.servants {
		if e.personality.ObservedLocation == servantLocation {
			servant = e
			break
		}
	}
	if servant == nil {
		// The servant itself has expired. Everything it runs is stale.
		out := make([]uint64, 0, len(running))
		for _, t := range running {
			out = append(out, t.TaskGrantID)
		}
		return out
	}

	reported := make(map[uint64]api.RunningTask, len(running))
	for _, t := range running {
		reported[t.TaskGrantID] = t
	}

	// Sweep zombies the servant has forgotten about. Whether the grant
	// became zombie before or after this heartbeat left the servant
	// doesn't matter: as long as the servant doesn't recognize the task,
	// its slot really is free.
	var sweeping []uint64
	nonPrefetchZombies := 0
	for id, g := range s.grants {
		if g.servant != servant || !g.zombie {
			continue
		}
		if _, ok := reported[id]; !ok {
			sweeping = append(sweeping, id)
			if !g.isPrefetch {
				nonPrefetchZombies++
			}
		}
	}
	if nonPrefetchZombies > 0 {
		nlog.Warningf("Sweeping %d (non-prefetched) zombie tasks.", nonPrefetchZombies)
	}
	s.freeGrantsLocked(sweeping)

	// Record servant-side identity on the grants it reports, and collect
	// anything it runs that we no longer recognize.
	var unknown []uint64
	for id, t := range reported {
		g, ok := s.grants[id]
		if !ok || g.zombie || g.servant != servant {
			unknown = append(unknown, id)
			continue
		}
		g.servantTaskID = t.ServantTaskID
		g.taskDigest = t.TaskDigest
	}
	return unknown
}

// capacityAvailableLocked computes how many tasks the servant can run
// for us: its configured ceiling, reduced by processors consumed by
// foreign load. Foreign load is the externally observed load minus our
// own running tasks, clamped at zero so over-scheduling is not counted
// twice. A servant below the memory floor has capacity equal to its
// current running set, freezing new admissions without killing anything.
func (s *Scheduler) capacityAvailableLocked(sd *servantDesc) int {
	if sd.personality.MemoryAvailable < s.opts.MinMemoryForNewTask {
		return sd.runningTasks
	}
	foreign := sd.personality.CurrentLoad - sd.runningTasks
	if foreign < 0 {
		foreign = 0
	}
	capacity := sd.personality.NumProcessors - foreign
	if capacity < 0 {
		capacity = 0
	}
	if capacity > sd.personality.MaxTasks {
		capacity = sd.personality.MaxTasks
	}
	return capacity
}

func (s *Scheduler) eligibleServantsLocked(p model.TaskPersonality) []*servantDesc {
	envRecognized := false
	var eligibles []*servantDesc
	for _, e := range s.servants {
		if !containsEnvironment(e.personality.Environments, p.EnvDesc) {
			continue
		}
		envRecognized = true
		if e.personality.Version < p.MinVersion {
			continue
		}
		// Running tasks can exceed capacity if the servant shrank its
		// limits after we made allocations against the old ones.
		if e.runningTasks >= s.capacityAvailableLocked(e) {
			continue
		}
		eligibles = append(eligibles, e)
	}
	if !envRecognized && len(s.servants) > 0 {
		nlog.Errorf("Unrecognized compilation environment [%s] is requested by [%s].",
			p.EnvDesc.CompilerDigest, p.RequestorIP)
	}
	return eligibles
}

func containsEnvironment(envs []model.EnvironmentDesc, want model.EnvironmentDesc) bool {
	for _, e := range envs {
		if e.CompilerDigest == want.CompilerDigest {
			return true
		}
	}
	return false
}

// isSameHost reports whether location ("ip:port") points at ip.
func isSameHost(location model.ServantLocation, ip string) bool {
	l := string(location)
	return len(l) > len(ip) && l[len(ip)] == ':' && l[:len(ip)] == ip
}

// pickServantLocked applies the tie-breaking policy: never the requestor
// itself if anyone else qualifies; dedicated servants under 50% load
// first; then whoever has the lowest running/capacity ratio; the
// requestor's own machine only as a last resort.
func (s *Scheduler) pickServantLocked(eligibles []*servantDesc, requestorIP string) *servantDesc {
	var self *servantDesc
	others := eligibles[:0:0]
	for _, e := range eligibles {
		if self == nil && isSameHost(e.personality.ObservedLocation, requestorIP) {
			self = e
			continue
		}
		others = append(others, e)
	}

	if pick := s.pickByUtilizationLocked(others, func(e *servantDesc) bool {
		return e.personality.Priority == model.PriorityDedicated &&
			e.runningTasks*2 < e.personality.NumProcessors
	}); pick != nil {
		return pick
	}
	if pick := s.pickByUtilizationLocked(others, func(*servantDesc) bool { return true }); pick != nil {
		return pick
	}

	// The requestor itself must be eligible then, or we shouldn't have
	// been called at all.
	debug.Assert(self != nil)
	return self
}

func (s *Scheduler) pickByUtilizationLocked(eligibles []*servantDesc, pred func(*servantDesc) bool) *servantDesc {
	var result *servantDesc
	var minUtilization float64
	for _, e := range eligibles {
		if !pred(e) {
			continue
		}
		utilization := float64(e.runningTasks) / float64(s.capacityAvailableLocked(e))
		if result == nil || utilization < minUtilization {
			minUtilization = utilization
			result = e
		}
	}
	return result
}

// WaitForStartingNewTask blocks up to timeout for an eligible servant,
// then allocates a grant valid for expiresIn. The lease starts counting
// when the grant is made, not when the wait began. Returns
// model.ErrNoQuotaAvailable if nothing frees up in time.
func (s *Scheduler) WaitForStartingNewTask(p model.TaskPersonality, expiresIn, timeout time.Duration, prefetch bool) (*TaskAllocation, error) {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	for {
		select {
		case <-s.stopCh:
			s.mu.Unlock()
			return nil, model.ErrNoQuotaAvailable
		default:
		}

		eligibles := s.eligibleServantsLocked(p)
		if len(eligibles) > 0 {
			pick := s.pickServantLocked(eligibles, p.RequestorIP)
			pick.runningTasks++
			pick.everAssigned++

			s.nextGrantID++
			id := s.nextGrantID
			now := time.Now()
			s.grants[id] = &grantDesc{
				grantID:     id,
				personality: p,
				servant:     pick,
				startedAt:   now,
				expiresAt:   now.Add(expiresIn),
				isPrefetch:  prefetch,
			}
			if m := s.opts.Metrics; m != nil {
				m.GrantsOutstanding.Set(float64(len(s.grants)))
				m.TasksDispatchedTotal.Inc()
			}
			loc := pick.personality.ObservedLocation
			s.mu.Unlock()
			return &TaskAllocation{GrantID: id, ServantLocation: loc}, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			s.mu.Unlock()
			return nil, model.ErrNoQuotaAvailable
		}
		ch := s.wakeCh
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-s.stopCh:
		}
		timer.Stop()
		s.mu.Lock()
	}
}

// KeepTaskAlive extends the grant's lease. Zombies and unknown grants
// are refused.
func (s *Scheduler) KeepTaskAlive(grantID uint64, newExpiresIn time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		// Can be spurious: a FreeTask racing with this keep-alive on the
		// wire triggers it falsely.
		nlog.Warningf("Unexpected: Renewing unknown task [%d].", grantID)
		return false
	}
	if g.zombie {
		nlog.Warningf("The client tries to keep zombie [%d] alive. It's too late. The task was started %v ago, and has already expired %v ago.",
			grantID, time.Since(g.startedAt).Round(time.Second), time.Since(g.expiresAt).Round(time.Second))
		return false
	}
	g.expiresAt = time.Now().Add(newExpiresIn)
	return true
}

// FreeTask releases the grant. Best effort: unknown ids are logged and
// ignored.
func (s *Scheduler) FreeTask(grantID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grantID]; !ok {
		nlog.Warningf("Unexpected: Freeing unknown task [%d].", grantID)
		return
	}
	s.freeGrantsLocked([]uint64{grantID})
}

func (s *Scheduler) freeGrantsLocked(grantIDs []uint64) {
	for _, id := range grantIDs {
		g, ok := s.grants[id]
		if !ok {
			continue
		}
		g.servant.runningTasks--
		debug.Assert(g.servant.runningTasks >= 0)
		delete(s.grants, id)
	}
	if len(grantIDs) > 0 {
		if m := s.opts.Metrics; m != nil {
			m.GrantsOutstanding.Set(float64(len(s.grants)))
		}
		s.notifyLocked()
	}
}

// RunningTasks snapshots every live, servant-confirmed grant for the
// dedup view handed to requestors.
func (s *Scheduler) RunningTasks() []api.RunningTaskDesc {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []api.RunningTaskDesc
	for id, g := range s.grants {
		if g.zombie || g.taskDigest == "" {
			continue
		}
		out = append(out, api.RunningTaskDesc{
			TaskGrantID:     id,
			ServantTaskID:   g.servantTaskID,
			ServantLocation: string(g.servant.personality.ObservedLocation),
			TaskDigest:      g.taskDigest,
		})
	}
	return out
}

// onExpirationTimer removes expired servants, immediately drops grants
// whose servant has gone, and marks remaining expired grants zombie.
func (s *Scheduler) onExpirationTimer() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.servants[:0]
	removed := make(map[*servantDesc]bool)
	for _, e := range s.servants {
		if e.expiresAt.Before(now) {
			nlog.Infof("Removing expired servant [%s]. It served us for %v.",
				e.personality.ObservedLocation, now.Sub(e.discoveredAt).Round(time.Second))
			removed[e] = true
		} else {
			alive = append(alive, e)
		}
	}
	s.servants = alive

	// Grants of a removed servant are dropped outright, not zombified:
	// there's no heartbeat left to confirm anything.
	var orphans []uint64
	for id, g := range s.grants {
		if removed[g.servant] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		nlog.Warningf("Sweeping %d orphan tasks.", len(orphans))
		for _, id := range orphans {
			delete(s.grants, id)
		}
		s.notifyLocked()
	}

	expired := 0
	for id, g := range s.grants {
		if !g.zombie && g.expiresAt.Before(now) {
			g.zombie = true
			expired++
			nlog.Infof("Task [%d] expired. It has been there for %v.%s",
				id, now.Sub(g.startedAt).Round(time.Second),
				prefetchSuffix(g.isPrefetch))
		}
	}
	if m := s.opts.Metrics; m != nil {
		m.ServantsRegistered.Set(float64(len(s.servants)))
		m.GrantsOutstanding.Set(float64(len(s.grants)))
		m.TasksExpiredTotal.Add(float64(expired))
	}
}

func prefetchSuffix(isPrefetch bool) string {
	if isPrefetch {
		return " The task was started because of a prefetch request."
	}
	return ""
}

// Internals is a point-in-time snapshot of the registries for the admin
// page.
type Internals struct {
	ServantsUp          int                `json:"servants_up"`
	RunningTasks        int                `json:"running_tasks"`
	Capacity            int                `json:"capacity"`
	CapacityUnavailable int                `json:"capacity_unavailable"`
	Servants            []ServantInternals `json:"servants"`
}

// ServantInternals describes one servant on the admin page.
type ServantInternals struct {
	Version           int      `json:"version"`
	Location          string   `json:"location"`
	ReportedLocation  string   `json:"reported_location,omitempty"`
	Environments      []string `json:"environments"`
	MaxTasks          int      `json:"max_tasks"`
	NumProcessors     int      `json:"num_processors"`
	CurrentLoad       int      `json:"current_load"`
	CapacityAvailable int      `json:"capacity_available"`
	RunningTasks      int      `json:"running_tasks"`
	EverAssigned      uint64   `json:"ever_assigned_tasks"`
}

// DumpInternals snapshots the registries.
func (s *Scheduler) DumpInternals() Internals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Internals{ServantsUp: len(s.servants)}
	for _, e := range s.servants {
		si := ServantInternals{
			Version:           e.personality.Version,
			Location:          string(e.personality.ObservedLocation),
			MaxTasks:          e.personality.MaxTasks,
			NumProcessors:     e.personality.NumProcessors,
			CurrentLoad:       e.personality.CurrentLoad,
			CapacityAvailable: s.capacityAvailableLocked(e),
			RunningTasks:      e.runningTasks,
			EverAssigned:      e.everAssigned,
		}
		if e.personality.ObservedLocation != e.personality.ReportedLocation {
			si.ReportedLocation = string(e.personality.ReportedLocation)
		}
		for _, env := range e.personality.Environments {
			si.Environments = append(si.Environments, env.CompilerDigest)
		}
		out.Servants = append(out.Servants, si)
		out.RunningTasks += e.runningTasks
		out.Capacity += e.personality.MaxTasks
		out.CapacityUnavailable += e.personality.MaxTasks - s.capacityAvailableLocked(e)
	}
	return out
}
