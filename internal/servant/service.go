package servant

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/auth"
	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/transport"
)

const maxServantPoll = 30 * time.Second

// Service exposes the execution engine over the cluster transport. The
// tokens it accepts are the scheduler's rotating serving-daemon tokens,
// refreshed from every heartbeat response.
type Service struct {
	engine   *Engine
	verifier atomic.Pointer[auth.TokenVerifier]
}

// NewService wraps engine. Until the first heartbeat response arrives no
// token is accepted.
func NewService(engine *Engine) *Service {
	s := &Service{engine: engine}
	s.verifier.Store(auth.NewTokenVerifier(nil))
	return s
}

// UpdateAcceptableTokens swaps in the token window the scheduler
// currently considers live.
func (s *Service) UpdateAcceptableTokens(tokens []string) {
	s.verifier.Store(auth.NewTokenVerifier(tokens))
}

// RegisterHandlers mounts the servant RPCs on mux.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(api.PathQueueCxxTask, s.queueCxxTask)
	mux.HandleFunc(api.PathWaitForCompilationOutput, s.waitForCompilationOutput)
	mux.HandleFunc(api.PathServantFreeTask, s.freeTask)
	mux.HandleFunc(api.PathReferenceTask, s.referenceTask)
}

func (s *Service) parse(r *http.Request) (*transport.Request, error) {
	req, err := transport.ParseRequest(r)
	if err != nil {
		return nil, err
	}
	if !s.verifier.Load().Verify(req.Token) {
		return nil, model.ErrAccessDenied
	}
	return req, nil
}

func (s *Service) queueCxxTask(w http.ResponseWriter, r *http.Request) {
	req, err := s.parse(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var in api.QueueCxxTaskRequest
	if err := req.Decode(&in); err != nil {
		transport.WriteError(w, err)
		return
	}
	if len(req.Attachment) == 0 {
		transport.WriteError(w, errors.Wrap(model.ErrInvalidArgument, "missing source payload"))
		return
	}
	taskID, err := s.engine.QueueCxxTask(&in, req.Attachment)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, &api.QueueCxxTaskResponse{Status: api.TaskStatusRunning, TaskID: taskID}, nil)
}

func (s *Service) waitForCompilationOutput(w http.ResponseWriter, r *http.Request) {
	req, err := s.parse(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var in api.WaitForCompilationOutputRequest
	if err := req.Decode(&in); err != nil {
		transport.WriteError(w, err)
		return
	}
	wait := time.Duration(in.MillisecondsToWait) * time.Millisecond
	if wait < 0 || wait > maxServantPoll {
		transport.WriteError(w, errors.Wrap(model.ErrInvalidArgument, "wait out of range"))
		return
	}

	result, err := s.engine.WaitForCompilationOutput(in.TaskID, wait)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if result.Status == api.TaskStatusRunning {
		transport.WriteJSON(w, &api.WaitForCompilationOutputResponse{Status: api.TaskStatusRunning}, nil)
		return
	}

	useZstd := false
	for _, alg := range in.AcceptableCompressionAlgorithms {
		if alg == api.CompressionZstd {
			useZstd = true
			break
		}
	}

	out := &api.WaitForCompilationOutputResponse{
		Status:   api.TaskStatusDone,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Patches:  result.Patches,
	}
	chunks := make([][]byte, 0, len(result.Files))
	for _, f := range result.Files {
		out.FileExtensions = append(out.FileExtensions, f.Name)
		data := f.Data
		if useZstd {
			compressed, err := compression.Zstd(f.Data)
			if err != nil {
				transport.WriteError(w, errors.Wrap(err, "compressing output file"))
				return
			}
			data = compressed
		}
		chunks = append(chunks, data)
	}
	if useZstd {
		out.CompressionAlgorithm = api.CompressionZstd
	}
	transport.WriteJSON(w, out, transport.WriteMultiChunk(chunks))
}

func (s *Service) freeTask(w http.ResponseWriter, r *http.Request) {
	req, err := s.parse(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var in api.ServantFreeTaskRequest
	if err := req.Decode(&in); err != nil {
		transport.WriteError(w, err)
		return
	}
	s.engine.FreeTask(in.TaskID)
	transport.WriteJSON(w, &struct{}{}, nil)
}

func (s *Service) referenceTask(w http.ResponseWriter, r *http.Request) {
	req, err := s.parse(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var in api.ReferenceTaskRequest
	if err := req.Decode(&in); err != nil {
		transport.WriteError(w, err)
		return
	}
	taskID, err := s.engine.ReferenceTask(in.TaskDigest)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, &api.ReferenceTaskResponse{TaskID: taskID}, nil)
}
