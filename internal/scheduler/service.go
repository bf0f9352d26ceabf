package scheduler

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/auth"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/transport"
)

const (
	maxLease    = 30 * time.Second
	maxWaitTime = 10 * time.Second
)

// ServiceOptions configures the scheduler's RPC surface.
type ServiceOptions struct {
	// Tokens accepted from daemons (both requestor and servant side).
	DaemonTokens []string

	// Daemons older than this are rejected outright.
	MinDaemonVersion int

	// Secret signing the rotating serving-daemon tokens, and how often a
	// fresh one is rolled out.
	ServingDaemonTokenSecret  []byte
	ServingDaemonTokenRollout time.Duration
}

// Service exposes the Scheduler over the cluster's JSON-over-HTTP
// transport and owns the rotating serving-daemon token window.
type Service struct {
	opts     ServiceOptions
	sched    *Scheduler
	verifier *auth.TokenVerifier
	rotator  *auth.ServingDaemonTokenRotator
}

// NewService wraps sched with token checking and request validation.
func NewService(sched *Scheduler, opts ServiceOptions) (*Service, error) {
	if opts.ServingDaemonTokenRollout == 0 {
		opts.ServingDaemonTokenRollout = time.Hour
	}
	rotator, err := auth.NewServingDaemonTokenRotator(opts.ServingDaemonTokenSecret, opts.ServingDaemonTokenRollout)
	if err != nil {
		return nil, errors.Wrap(err, "creating serving-daemon token rotator")
	}
	return &Service{
		opts:     opts,
		sched:    sched,
		verifier: auth.NewTokenVerifier(opts.DaemonTokens),
		rotator:  rotator,
	}, nil
}

// RegisterHandlers mounts every scheduler RPC on mux.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(api.PathHeartbeat, s.handle(s.heartbeat))
	mux.HandleFunc(api.PathGetConfig, s.handle(s.getConfig))
	mux.HandleFunc(api.PathWaitForStartingTask, s.handle(s.waitForStartingTask))
	mux.HandleFunc(api.PathKeepTaskAlive, s.handle(s.keepTaskAlive))
	mux.HandleFunc(api.PathFreeTask, s.handle(s.freeTask))
	mux.HandleFunc(api.PathGetRunningTasks, s.handle(s.getRunningTasks))
}

type handlerFunc func(*transport.Request) (any, error)

func (s *Service) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := transport.ParseRequest(r)
		if err != nil {
			transport.WriteError(w, err)
			return
		}
		if !s.verifier.Verify(req.Token) {
			transport.WriteError(w, model.ErrAccessDenied)
			return
		}
		resp, err := h(req)
		if err != nil {
			transport.WriteError(w, err)
			return
		}
		transport.WriteJSON(w, resp, nil)
	}
}

func (s *Service) heartbeat(req *transport.Request) (any, error) {
	var in api.HeartbeatRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if in.Version < s.opts.MinDaemonVersion {
		return nil, errors.Wrap(model.ErrAccessDenied, "daemon version too old")
	}

	// Basic sanity check on the reported address, and the lease.
	reportedHost, reportedPort, err := net.SplitHostPort(in.Location)
	if err != nil {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "invalid network location %q", in.Location)
	}
	if _, err := strconv.Atoi(reportedPort); err != nil {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "invalid port in %q", in.Location)
	}
	expiresIn := time.Duration(in.NextHeartbeatInMs) * time.Millisecond
	if expiresIn > maxLease || expiresIn < 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "lease out of range")
	}

	// The address observed by ourselves is authoritative; only the port
	// is taken from the servant's report.
	observed := model.ServantLocation(net.JoinHostPort(req.PeerIP, reportedPort))
	reported := model.ServantLocation(net.JoinHostPort(reportedHost, reportedPort))

	p := ServantPersonality{
		Version:            in.Version,
		ObservedLocation:   observed,
		ReportedLocation:   reported,
		Environments:       in.EnvDescs,
		NumProcessors:      in.NumProcessors,
		MaxTasks:           in.Capacity,
		TotalMemory:        in.TotalMemory,
		MemoryAvailable:    in.MemoryAvailable,
		Priority:           model.ServantPriority(in.ServantPriority),
		NotAcceptingReason: model.NotAcceptingReason(in.NotAcceptingReason),
		CurrentLoad:        in.CurrentLoad,
	}
	if id, err := uuid.Parse(in.InstanceID); err == nil {
		p.InstanceID = id
	}
	if p.NumProcessors == 0 {
		// Older daemons don't report processor count; fall back to the
		// task ceiling.
		p.NumProcessors = in.Capacity
	}
	if p.Priority != model.PriorityDedicated && p.Priority != model.PriorityUser {
		p.Priority = model.PriorityUser
	}
	if observed != reported {
		// Behind NAT, the servant isn't reachable from outside. Keep the
		// record but never assign tasks to it.
		p.MaxTasks = 0
		p.NotAcceptingReason = model.NotAcceptingBehindNAT
	}
	if expiresIn == 0 {
		// A parting heartbeat. The expiration sweep removes the record
		// shortly; until then, no new grants may land there.
		p.MaxTasks = 0
		p.NotAcceptingReason = model.NotAcceptingExpiring
	}
	s.sched.KeepServantAlive(p, expiresIn)

	tokens := s.rotator.ActiveTokens()
	return &api.HeartbeatResponse{
		AcceptableTokens: tokens[:],
		ExpiredTaskIDs:   s.sched.ExamineRunningTasks(observed, in.RunningTasks),
	}, nil
}

func (s *Service) getConfig(*transport.Request) (any, error) {
	return &api.GetConfigResponse{ServingDaemonToken: s.rotator.CurrentToken()}, nil
}

func (s *Service) waitForStartingTask(req *transport.Request) (any, error) {
	var in api.WaitForStartingTaskRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	maxWait := time.Duration(in.MillisecondsToWait) * time.Millisecond
	lease := time.Duration(in.NextKeepAliveInMs) * time.Millisecond
	if maxWait > maxWaitTime || lease > maxLease || maxWait < 0 || lease < 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "wait or lease out of range")
	}

	personality := model.TaskPersonality{
		RequestorIP: req.PeerIP,
		EnvDesc:     in.EnvDesc,
		MinVersion:  in.MinVersion,
	}
	var out api.WaitForStartingTaskResponse
	for i := 0; i < in.ImmediateReqs; i++ {
		// Only the first request may wait. Waiting for the rest risks
		// the first grant expiring before we even respond.
		wait := time.Duration(0)
		if i == 0 {
			wait = maxWait
		}
		alloc, err := s.sched.WaitForStartingNewTask(personality, lease, wait, false)
		if err != nil {
			break
		}
		out.Grants = append(out.Grants, api.TaskGrant{
			TaskGrantID:     alloc.GrantID,
			ServantLocation: string(alloc.ServantLocation),
		})
	}
	for i := 0; i < in.PrefetchReqs; i++ {
		wait := time.Duration(0)
		if len(out.Grants) == 0 {
			wait = maxWait
		}
		alloc, err := s.sched.WaitForStartingNewTask(personality, lease, wait, true)
		if err != nil {
			break
		}
		out.Grants = append(out.Grants, api.TaskGrant{
			TaskGrantID:     alloc.GrantID,
			ServantLocation: string(alloc.ServantLocation),
		})
	}
	if len(out.Grants) == 0 {
		return nil, errors.Wrap(model.ErrNoQuotaAvailable, "the compilation cloud is busy now")
	}
	return &out, nil
}

func (s *Service) keepTaskAlive(req *transport.Request) (any, error) {
	var in api.KeepTaskAliveRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	lease := time.Duration(in.NextKeepAliveInMs) * time.Millisecond
	if lease > maxLease || lease < 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "lease out of range")
	}
	out := api.KeepTaskAliveResponse{Statuses: make([]bool, 0, len(in.TaskGrantIDs))}
	for _, id := range in.TaskGrantIDs {
		out.Statuses = append(out.Statuses, s.sched.KeepTaskAlive(id, lease))
	}
	return &out, nil
}

func (s *Service) freeTask(req *transport.Request) (any, error) {
	var in api.FreeTaskRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	for _, id := range in.TaskGrantIDs {
		s.sched.FreeTask(id)
	}
	return &struct{}{}, nil
}

func (s *Service) getRunningTasks(*transport.Request) (any, error) {
	return &api.GetRunningTasksResponse{RunningTasks: s.sched.RunningTasks()}, nil
}
