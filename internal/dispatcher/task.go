// Package dispatcher implements the requestor-side delegate: it accepts
// tasks from local compiler wrappers, probes the distributed cache,
// deduplicates in-flight identical tasks, acquires grants from the
// scheduler, submits to servants, keeps everything alive, and survives
// the failures in between.
package dispatcher

import (
	"context"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/model"
)

// TaskOutput is what a finished task hands back to the wrapper,
// whichever way it finished: compiled remotely, reused from another
// requestor's in-flight task, or served from the cache.
type TaskOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Files    []cacheformat.FileEntry
	Patches  []api.PatchLocation
}

// Synthetic exit codes for failures that happen before (or instead of)
// the compiler running. Only negative codes and 127 make the wrapper
// fall back to local compilation.
const (
	exitCodeNotDispatched = -126
	exitCodeServantError  = -125
)

// DistributedTask is the variant capability a task type implements to be
// dispatched. Only the C++ compilation variant exists today; the
// interface is the extension point for other languages.
type DistributedTask interface {
	EnvironmentDesc() model.EnvironmentDesc
	CacheControl() model.CacheControlMode

	// CacheKey indexes the distributed cache; TaskDigest identifies the
	// task for in-flight dedup. Same inputs, different salts.
	CacheKey() string
	TaskDigest() string

	// RequestorPID is watched: the task is aborted if the submitting
	// process disappears.
	RequestorPID() int

	// Submit queues the task on the servant and returns the servant-side
	// task id.
	Submit(ctx context.Context, client *api.ServantClient, grantID uint64) (uint64, error)

	// Dump describes the task for the admin page.
	Dump() map[string]any
}

// CxxCompilationTask is the C++ translation-unit variant.
type CxxCompilationTask struct {
	Pid                 int
	Env                 model.EnvironmentDesc
	SourcePath          string
	SourceDigest        string
	InvocationArguments string
	CacheMode           model.CacheControlMode

	// Zstd-compressed preprocessed source, exactly as received from the
	// wrapper; forwarded to the servant without recompression.
	PreprocessedSource []byte
}

func (t *CxxCompilationTask) EnvironmentDesc() model.EnvironmentDesc { return t.Env }
func (t *CxxCompilationTask) CacheControl() model.CacheControlMode   { return t.CacheMode }
func (t *CxxCompilationTask) RequestorPID() int                      { return t.Pid }

func (t *CxxCompilationTask) CacheKey() string {
	return cacheformat.Key(t.Env, t.InvocationArguments, t.SourceDigest)
}

func (t *CxxCompilationTask) TaskDigest() string {
	return cacheformat.Digest(t.Env, t.InvocationArguments, t.SourceDigest)
}

func (t *CxxCompilationTask) Submit(ctx context.Context, client *api.ServantClient, grantID uint64) (uint64, error) {
	resp, err := client.QueueCxxTask(ctx, &api.QueueCxxTaskRequest{
		TaskGrantID:          grantID,
		EnvDesc:              t.Env,
		SourcePath:           t.SourcePath,
		InvocationArguments:  t.InvocationArguments,
		CompressionAlgorithm: api.CompressionZstd,
		DisallowCacheFill:    t.CacheMode == model.CacheDisallow,
	}, t.PreprocessedSource)
	if err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

func (t *CxxCompilationTask) Dump() map[string]any {
	return map[string]any{
		"requestor_pid":            t.Pid,
		"compiler_digest":          t.Env.CompilerDigest,
		"source_path":              t.SourcePath,
		"source_digest":            t.SourceDigest,
		"invocation_arguments":     t.InvocationArguments,
		"cache_control":            int(t.CacheMode),
		"preprocessed_source_size": len(t.PreprocessedSource),
	}
}
