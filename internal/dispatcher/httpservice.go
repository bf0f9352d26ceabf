package dispatcher

import (
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
	"github.com/yadcc-go/yadcc/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxLocalWait = 10 * time.Second
	// A task that can't be dispatched within this window is hopeless;
	// the wrapper is better off compiling locally.
	taskStartDeadline = 5 * time.Minute
)

// HTTPServiceOptions wires the local HTTP surface to the daemon's parts.
type HTTPServiceOptions struct {
	Dispatcher  *Dispatcher
	Monitor     *LocalTaskMonitor
	FileDigests *FileDigestCache

	Version string

	// Invoked by /local/ask_to_leave; the daemon shuts down.
	OnAskToLeave func()
}

// HTTPService is the loopback-only surface compiler wrappers talk to.
// Everything here trusts the peer: it is reachable only from this host.
type HTTPService struct {
	opts HTTPServiceOptions
}

// NewHTTPService builds the service.
func NewHTTPService(opts HTTPServiceOptions) *HTTPService {
	return &HTTPService{opts: opts}
}

// RegisterHandlers mounts the wrapper-facing endpoints on mux.
func (s *HTTPService) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/local/acquire_quota", s.acquireQuota)
	mux.HandleFunc("/local/release_quota", s.releaseQuota)
	mux.HandleFunc("/local/set_file_digest", s.setFileDigest)
	mux.HandleFunc("/local/submit_cxx_task", s.submitCxxTask)
	mux.HandleFunc("/local/wait_for_cxx_task", s.waitForCxxTask)
	mux.HandleFunc("/local/ask_to_leave", s.askToLeave)
	mux.HandleFunc("/local/get_version", s.getVersion)
}

func readJSONBody(r *http.Request, out any) bool {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func invalidArguments(w http.ResponseWriter) {
	http.Error(w, "Invalid arguments.", http.StatusBadRequest)
}

func (s *HTTPService) acquireQuota(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MillisecondsToWait int64 `json:"milliseconds_to_wait"`
		LightweightTask    bool  `json:"lightweight_task"`
		RequestorPID       int   `json:"requestor_pid"`
	}
	if !readJSONBody(r, &in) || in.RequestorPID <= 1 || in.MillisecondsToWait < 0 {
		invalidArguments(w)
		return
	}
	wait := time.Duration(in.MillisecondsToWait) * time.Millisecond
	if wait > maxLocalWait {
		wait = maxLocalWait
	}
	if !s.opts.Monitor.WaitForRunningNewTaskPermission(in.RequestorPID, in.LightweightTask, wait) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	// A bare 200 means the quota is held.
}

func (s *HTTPService) releaseQuota(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestorPID int `json:"requestor_pid"`
	}
	if !readJSONBody(r, &in) || in.RequestorPID <= 1 {
		invalidArguments(w)
		return
	}
	s.opts.Monitor.DropTaskPermission(in.RequestorPID)
}

func (s *HTTPService) setFileDigest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Path      string `json:"path"`
		Size      int64  `json:"size"`
		Timestamp int64  `json:"timestamp"`
		Digest    string `json:"digest"`
	}
	if !readJSONBody(r, &in) || in.Path == "" || in.Digest == "" {
		invalidArguments(w)
		return
	}
	s.opts.FileDigests.Set(in.Path, in.Size, in.Timestamp, in.Digest)
}

type submitCxxTaskRequest struct {
	RequestorProcessID          int    `json:"requestor_process_id"`
	SourcePath                  string `json:"source_path"`
	SourceDigest                string `json:"source_digest"`
	CompilerInvocationArguments string `json:"compiler_invocation_arguments"`
	CacheControl                int    `json:"cache_control"`
	Compiler                    struct {
		Path      string `json:"path"`
		Size      int64  `json:"size"`
		Timestamp int64  `json:"timestamp"`
	} `json:"compiler"`
}

func (s *HTTPService) submitCxxTask(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		invalidArguments(w)
		return
	}
	chunks, err := transport.ParseMultiChunk(raw)
	if err != nil || len(chunks) != 2 {
		invalidArguments(w)
		return
	}
	var in submitCxxTaskRequest
	if json.Unmarshal(chunks[0], &in) != nil {
		invalidArguments(w)
		return
	}
	cacheControl := model.ParseCacheControlMode(in.CacheControl)
	if in.RequestorProcessID <= 1 || in.SourcePath == "" ||
		in.CompilerInvocationArguments == "" ||
		(cacheControl != model.CacheDisallow && in.SourceDigest == "") {
		invalidArguments(w)
		return
	}

	// The daemon never digests the compiler itself; the wrapper must
	// have taught us via set_file_digest first. 400 here makes the
	// wrapper do exactly that and resubmit.
	digest, ok := s.opts.FileDigests.TryGet(in.Compiler.Path, in.Compiler.Size, in.Compiler.Timestamp)
	if !ok {
		http.Error(w, "Unknown compiler.", http.StatusBadRequest)
		return
	}

	taskID := s.opts.Dispatcher.QueueTask(&CxxCompilationTask{
		Pid:                 in.RequestorProcessID,
		Env:                 model.EnvironmentDesc{CompilerDigest: digest},
		SourcePath:          in.SourcePath,
		SourceDigest:        in.SourceDigest,
		InvocationArguments: in.CompilerInvocationArguments,
		CacheMode:           cacheControl,
		PreprocessedSource:  chunks[1],
	}, time.Now().Add(taskStartDeadline))

	writeJSONTo(w, map[string]uint64{"task_id": taskID})
}

func (s *HTTPService) waitForCxxTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TaskID             uint64 `json:"task_id"`
		MillisecondsToWait int64  `json:"milliseconds_to_wait"`
	}
	if !readJSONBody(r, &in) || in.MillisecondsToWait < 0 {
		invalidArguments(w)
		return
	}
	wait := time.Duration(in.MillisecondsToWait) * time.Millisecond
	if wait > maxLocalWait {
		wait = maxLocalWait
	}

	output, status := s.opts.Dispatcher.WaitForTask(in.TaskID, wait)
	switch status {
	case WaitNotFound:
		http.Error(w, "No such task.", http.StatusNotFound)
		return
	case WaitTimeout:
		// The wrapper polls again.
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case WaitOK:
	}

	head := map[string]any{
		"exit_code": output.ExitCode,
		"output":    output.Stdout,
		"error":     output.Stderr,
	}
	exts := make([]string, 0, len(output.Files))
	chunks := [][]byte{nil} // placeholder for the JSON head
	for _, f := range output.Files {
		exts = append(exts, f.Name)
		compressed, err := compression.Zstd(f.Data)
		if err != nil {
			nlog.Errorf("Failed to compress output file: %v.", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		chunks = append(chunks, compressed)
	}
	head["file_extensions"] = exts
	head["patches"] = output.Patches

	headJSON, err := json.Marshal(head)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	chunks[0] = headJSON
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(transport.WriteMultiChunk(chunks))
}

func (s *HTTPService) askToLeave(w http.ResponseWriter, _ *http.Request) {
	nlog.Infof("Asked to leave by a local wrapper.")
	w.WriteHeader(http.StatusOK)
	if s.opts.OnAskToLeave != nil {
		go s.opts.OnAskToLeave()
	}
}

func (s *HTTPService) getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSONTo(w, map[string]string{"version": s.opts.Version})
}

func writeJSONTo(w http.ResponseWriter, body any) {
	buf, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}
