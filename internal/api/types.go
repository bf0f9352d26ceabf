// Package api defines the wire-level request/response messages exchanged
// between the scheduler, the cache server, the servant daemons, and the
// requestor-side delegate, together with typed clients over
// internal/transport. Every body is plain JSON; bulk payloads (cache
// entries, preprocessed source, compiler outputs) ride as attachments.
package api

import (
	"github.com/yadcc-go/yadcc/internal/model"
)

// CompressionAlgorithm names the codec applied to an attachment.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = ""
	CompressionZstd CompressionAlgorithm = "zstd"
)

//////////////////////////
// Scheduler messages.  //
//////////////////////////

// RunningTask is one entry of a servant's heartbeat-reported running set.
// Besides the grant id the servant also reports its own task id and the
// task's digest, which the scheduler republishes via GetRunningTasks so
// other requestors can piggy-back on an in-flight identical compilation.
type RunningTask struct {
	TaskGrantID   uint64 `json:"task_grant_id"`
	ServantTaskID uint64 `json:"servant_task_id"`
	TaskDigest    string `json:"task_digest"`
}

// HeartbeatRequest is sent by every servant once per heartbeat interval.
type HeartbeatRequest struct {
	Version            int                     `json:"version"`
	InstanceID         string                  `json:"instance_id"`
	Location           string                  `json:"location"`
	EnvDescs           []model.EnvironmentDesc `json:"env_descs"`
	NumProcessors      int                     `json:"num_processors"`
	CurrentLoad        int                     `json:"current_load"`
	TotalMemory        uint64                  `json:"total_memory_in_bytes"`
	MemoryAvailable    uint64                  `json:"memory_available_in_bytes"`
	ServantPriority    int                     `json:"servant_priority"`
	Capacity           int                     `json:"capacity"`
	NotAcceptingReason int                     `json:"not_accepting_task_reason"`
	RunningTasks       []RunningTask           `json:"running_tasks"`
	NextHeartbeatInMs  int64                   `json:"next_heartbeat_in_ms"`
}

type HeartbeatResponse struct {
	AcceptableTokens []string `json:"acceptable_tokens"`
	ExpiredTaskIDs   []uint64 `json:"expired_tasks"`
}

type GetConfigResponse struct {
	ServingDaemonToken string `json:"serving_daemon_token"`
}

type WaitForStartingTaskRequest struct {
	EnvDesc            model.EnvironmentDesc `json:"env_desc"`
	ImmediateReqs      int                   `json:"immediate_reqs"`
	PrefetchReqs       int                   `json:"prefetch_reqs"`
	NextKeepAliveInMs  int64                 `json:"next_keep_alive_in_ms"`
	MillisecondsToWait int64                 `json:"milliseconds_to_wait"`
	MinVersion         int                   `json:"min_version"`
}

type TaskGrant struct {
	TaskGrantID     uint64 `json:"task_grant_id"`
	ServantLocation string `json:"servant_location"`
}

type WaitForStartingTaskResponse struct {
	Grants []TaskGrant `json:"grants"`
}

type KeepTaskAliveRequest struct {
	TaskGrantIDs      []uint64 `json:"task_grant_ids"`
	NextKeepAliveInMs int64    `json:"next_keep_alive_in_ms"`
}

type KeepTaskAliveResponse struct {
	Statuses []bool `json:"statuses"`
}

type FreeTaskRequest struct {
	TaskGrantIDs []uint64 `json:"task_grant_ids"`
}

// RunningTaskDesc describes one cluster-wide in-flight task.
type RunningTaskDesc struct {
	TaskGrantID     uint64 `json:"task_grant_id"`
	ServantTaskID   uint64 `json:"servant_task_id"`
	ServantLocation string `json:"servant_location"`
	TaskDigest      string `json:"task_digest"`
}

type GetRunningTasksResponse struct {
	RunningTasks []RunningTaskDesc `json:"running_tasks"`
}

///////////////////////
// Cache messages.   //
///////////////////////

type FetchBloomFilterRequest struct {
	SecondsSinceLastFetch     float64 `json:"seconds_since_last_fetch"`
	SecondsSinceLastFullFetch float64 `json:"seconds_since_last_full_fetch"`
}

// FetchBloomFilterResponse is either incremental (newly-populated keys in
// the body) or full (the zstd-compressed filter rides as the attachment,
// with its geometry here).
type FetchBloomFilterResponse struct {
	Incremental        bool     `json:"incremental"`
	NewlyPopulatedKeys []string `json:"newly_populated_keys,omitempty"`
	SizeBits           uint64   `json:"size_bits,omitempty"`
	NumHashes          int      `json:"num_hashes,omitempty"`
	Salt               uint64   `json:"salt,omitempty"`
}

///////////////////////
// Servant messages. //
///////////////////////

type CompilationTaskStatus string

const (
	TaskStatusRunning CompilationTaskStatus = "running"
	TaskStatusDone    CompilationTaskStatus = "done"
)

type QueueCxxTaskRequest struct {
	TaskGrantID          uint64                `json:"task_grant_id"`
	EnvDesc              model.EnvironmentDesc `json:"env_desc"`
	SourcePath           string                `json:"source_path"`
	InvocationArguments  string                `json:"invocation_arguments"`
	CompressionAlgorithm CompressionAlgorithm  `json:"compression_algorithm"`
	DisallowCacheFill    bool                  `json:"disallow_cache_fill"`
}

type QueueCxxTaskResponse struct {
	Status CompilationTaskStatus `json:"status"`
	TaskID uint64                `json:"task_id"`
}

type WaitForCompilationOutputRequest struct {
	TaskID                          uint64                 `json:"task_id"`
	MillisecondsToWait              int64                  `json:"milliseconds_to_wait"`
	AcceptableCompressionAlgorithms []CompressionAlgorithm `json:"acceptable_compression_algorithms"`
}

// PatchLocation pins one occurrence of the servant-side workspace path
// inside an output file, as a byte offset. The wrapper rewrites these
// bytes to the client-side path so debug info stays usable.
type PatchLocation struct {
	File      string `json:"file"`
	Position  int64  `json:"position"`
	TotalSize int64  `json:"total_size"`
}

// WaitForCompilationOutputResponse carries the compiler's exit status and
// textual output in the body; the output files ride in the attachment as
// one multi-chunk frame, individually compressed, ordered as
// FileExtensions.
type WaitForCompilationOutputResponse struct {
	Status               CompilationTaskStatus `json:"status"`
	ExitCode             int                   `json:"exit_code"`
	Stdout               string                `json:"output"`
	Stderr               string                `json:"error"`
	FileExtensions       []string              `json:"file_extensions,omitempty"`
	Patches              []PatchLocation       `json:"patches,omitempty"`
	CompressionAlgorithm CompressionAlgorithm  `json:"compression_algorithm,omitempty"`
}

type ServantFreeTaskRequest struct {
	TaskID uint64 `json:"task_id"`
}

type ReferenceTaskRequest struct {
	TaskDigest string `json:"task_digest"`
}

type ReferenceTaskResponse struct {
	TaskID uint64 `json:"task_id"`
}
