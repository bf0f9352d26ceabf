package servant

import (
	"bytes"
	"context"
	"encoding/hex"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

// Workspace directory names are padded to this length so any client-side
// path of reasonable length can be patched over the embedded servant
// path without resizing the output file.
const workspacePathPadding = 120

// CacheWriter fills the distributed cache once a compilation succeeds.
// Satisfied by *api.CacheClient via a thin adapter in the daemon binary;
// nil disables cache filling.
type CacheWriter interface {
	PutEntry(ctx context.Context, key string, entry []byte) error
}

// EngineOptions configures an execution Engine.
type EngineOptions struct {
	Registry      *CompilerRegistry
	WorkspaceRoot string

	// CacheWriter, if non-nil, receives an entry for every successful,
	// cache-fill-allowed compilation.
	CacheWriter CacheWriter

	// How long a finished task's outputs are retained waiting for the
	// requestor to collect them.
	RetainFinishedFor time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = os.TempDir()
	}
	if o.RetainFinishedFor == 0 {
		o.RetainFinishedFor = time.Minute
	}
	return o
}

type executionState int

const (
	stateRunning executionState = iota
	stateDone
)

type executionTask struct {
	id      uint64
	grantID uint64
	digest  string

	mu      sync.Mutex
	state   executionState
	refs    int
	doneCh  chan struct{}
	doneAt  time.Time
	aborted bool
	cancel  context.CancelFunc

	exitCode int
	stdout   string
	stderr   string
	files    []cacheformat.FileEntry
	patches  []api.PatchLocation
}

// Engine runs queued compilations, each in its own padded workspace
// directory, and retains finished outputs until collected or timed out.
type Engine struct {
	opts EngineOptions

	mu     sync.Mutex
	tasks  map[uint64]*executionTask
	nextID uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine constructs an Engine. Call Start to launch the retention
// sweeper.
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		opts:   opts.withDefaults(),
		tasks:  make(map[uint64]*executionTask),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background sweep of uncollected finished tasks.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				e.sweepFinished()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop cancels every running compilation and halts the sweeper.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	for _, t := range e.tasks {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
	}
	e.mu.Unlock()
}

// Join waits for in-flight compilations and the sweeper to wind down.
func (e *Engine) Join() {
	e.wg.Wait()
}

// QueueCxxTask decompresses the source payload and starts the compile.
// The returned task id is what the requestor polls with.
func (e *Engine) QueueCxxTask(req *api.QueueCxxTaskRequest, payload []byte) (uint64, error) {
	compilerPath, ok := e.opts.Registry.TryGetPath(req.EnvDesc)
	if !ok {
		return 0, errors.Wrapf(model.ErrEnvironmentNotAvailable, "environment %q", req.EnvDesc.CompilerDigest)
	}

	source := payload
	if req.CompressionAlgorithm == api.CompressionZstd {
		var err error
		if source, err = compression.Unzstd(payload); err != nil {
			return 0, errors.Wrap(model.ErrInvalidArgument, err.Error())
		}
	}

	sourceSum := blake3.Sum256(source)
	sourceDigest := hex.EncodeToString(sourceSum[:])

	ctx, cancel := context.WithCancel(context.Background())
	task := &executionTask{
		grantID: req.TaskGrantID,
		digest:  cacheformat.Digest(req.EnvDesc, req.InvocationArguments, sourceDigest),
		refs:    1,
		doneCh:  make(chan struct{}),
		cancel:  cancel,
	}

	e.mu.Lock()
	e.nextID++
	task.id = e.nextID
	e.tasks[task.id] = task
	e.mu.Unlock()

	cacheKey := ""
	if !req.DisallowCacheFill {
		cacheKey = cacheformat.Key(req.EnvDesc, req.InvocationArguments, sourceDigest)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCompilation(ctx, task, compilerPath, req.InvocationArguments, source, cacheKey)
	}()
	return task.id, nil
}

// makeWorkspace creates the sandbox directory with a name padded to a
// fixed length, leaving room for client-side path rewriting.
func (e *Engine) makeWorkspace() (string, error) {
	dir, err := os.MkdirTemp(e.opts.WorkspaceRoot, "yadcc-ws-*")
	if err != nil {
		return "", err
	}
	if pad := workspacePathPadding - len(dir); pad > 0 {
		padded := dir + strings.Repeat("_", pad)
		if err := os.Rename(dir, padded); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		dir = padded
	}
	return dir, nil
}

func (e *Engine) runCompilation(ctx context.Context, task *executionTask, compilerPath, invocationArguments string, source []byte, cacheKey string) {
	exitCode, stdout, stderr, files, patches := e.execute(ctx, task.id, compilerPath, invocationArguments, source)

	task.mu.Lock()
	task.exitCode = exitCode
	task.stdout = stdout
	task.stderr = stderr
	task.files = files
	task.patches = patches
	task.state = stateDone
	task.doneAt = time.Now()
	aborted := task.aborted
	task.mu.Unlock()
	close(task.doneCh)

	if exitCode == 0 && cacheKey != "" && !aborted && e.opts.CacheWriter != nil {
		entry := cacheformat.Write(cacheformat.Entry{
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
			Files:    files,
		})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.opts.CacheWriter.PutEntry(ctx, cacheKey, entry); err != nil {
				nlog.Warningf("Failed to fill cache entry %q: %v.", cacheKey, err)
			}
		}()
	}
}

// execute runs the compiler with stdin wired to the preprocessed source
// and collects everything it wrote under the workspace.
func (e *Engine) execute(ctx context.Context, taskID uint64, compilerPath, invocationArguments string, source []byte) (exitCode int, stdout, stderr string, files []cacheformat.FileEntry, patches []api.PatchLocation) {
	workspace, err := e.makeWorkspace()
	if err != nil {
		nlog.Errorf("Failed to create workspace for task [%d]: %v.", taskID, err)
		return 127, "", "cannot create workspace: " + err.Error(), nil, nil
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			nlog.Warningf("Leaking workspace [%s]: %v.", workspace, err)
		}
	}()

	args := strings.Fields(invocationArguments)
	cmd := exec.CommandContext(ctx, compilerPath, args...)
	cmd.Dir = workspace
	cmd.Stdin = bytes.NewReader(source)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Failed to even start the compiler. 127 tells the wrapper to
			// fall back to local compilation.
			nlog.Errorf("Failed to start compiler [%s]: %v.", compilerPath, err)
			return 127, outBuf.String(), errBuf.String(), nil, nil
		}
	}
	stdout = outBuf.String()
	stderr = errBuf.String()

	files, patches = collectOutputs(workspace)
	return exitCode, stdout, stderr, files, patches
}

// collectOutputs gathers every regular file the compiler left in the
// workspace, keyed by extension, and records each occurrence of the
// workspace path inside the file bytes for client-side rewriting of
// debug-info paths.
func collectOutputs(workspace string) ([]cacheformat.FileEntry, []api.PatchLocation) {
	var files []cacheformat.FileEntry
	var patches []api.PatchLocation
	needle := []byte(workspace)

	_ = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			nlog.Warningf("Failed to read output file [%s]: %v.", path, err)
			return nil
		}
		ext := filepath.Ext(path)
		files = append(files, cacheformat.FileEntry{Name: ext, Data: data})

		for off := 0; ; {
			idx := bytes.Index(data[off:], needle)
			if idx < 0 {
				break
			}
			patches = append(patches, api.PatchLocation{
				File:      ext,
				Position:  int64(off + idx),
				TotalSize: int64(len(needle)),
			})
			off += idx + len(needle)
		}
		return nil
	})
	return files, patches
}

// WaitResult is what a requestor's poll observes.
type WaitResult struct {
	Status   api.CompilationTaskStatus
	ExitCode int
	Stdout   string
	Stderr   string
	Files    []cacheformat.FileEntry
	Patches  []api.PatchLocation
}

// WaitForCompilationOutput blocks up to wait for the task to finish.
// A still-running task yields Status=running, not an error.
func (e *Engine) WaitForCompilationOutput(taskID uint64, wait time.Duration) (*WaitResult, error) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "task %d", taskID)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-task.doneCh:
	case <-timer.C:
		return &WaitResult{Status: api.TaskStatusRunning}, nil
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	return &WaitResult{
		Status:   api.TaskStatusDone,
		ExitCode: task.exitCode,
		Stdout:   task.stdout,
		Stderr:   task.stderr,
		Files:    task.files,
		Patches:  task.patches,
	}, nil
}

// FreeTask drops one reference to the task, forgetting it when the last
// reference is gone.
func (e *Engine) FreeTask(taskID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return
	}
	task.mu.Lock()
	task.refs--
	gone := task.refs <= 0
	task.mu.Unlock()
	if gone {
		delete(e.tasks, taskID)
	}
}

// ReferenceTask finds a task with the given digest for a second
// requestor to piggy-back on, taking an extra reference so the first
// requestor's FreeTask doesn't drop the outputs early.
func (e *Engine) ReferenceTask(digest string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.tasks {
		if task.digest != digest {
			continue
		}
		task.mu.Lock()
		task.refs++
		task.mu.Unlock()
		return id, nil
	}
	return 0, errors.Wrapf(model.ErrNotFound, "no running task with digest %q", digest)
}

// RunningTasks reports every task this servant still holds, for
// heartbeats: running ones and finished ones not yet collected.
func (e *Engine) RunningTasks() []api.RunningTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]api.RunningTask, 0, len(e.tasks))
	for id, task := range e.tasks {
		out = append(out, api.RunningTask{
			TaskGrantID:   task.grantID,
			ServantTaskID: id,
			TaskDigest:    task.digest,
		})
	}
	return out
}

// KillExpiredTasks aborts tasks whose grants the scheduler no longer
// recognizes, as reported in the heartbeat response.
func (e *Engine) KillExpiredTasks(grantIDs []uint64) {
	if len(grantIDs) == 0 {
		return
	}
	expired := make(map[uint64]bool, len(grantIDs))
	for _, id := range grantIDs {
		expired[id] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.tasks {
		if !expired[task.grantID] {
			continue
		}
		task.mu.Lock()
		task.aborted = true
		if task.cancel != nil {
			task.cancel()
		}
		stillRunning := task.state == stateRunning
		task.mu.Unlock()
		if !stillRunning {
			delete(e.tasks, id)
		}
		nlog.Warningf("Killing task [%d]: its grant [%d] is no longer recognized by the scheduler.", id, task.grantID)
	}
}

func (e *Engine) sweepFinished() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.tasks {
		task.mu.Lock()
		age := now.Sub(task.doneAt)
		stale := task.state == stateDone && age > e.opts.RetainFinishedFor
		task.mu.Unlock()
		if stale {
			nlog.Warningf("Task [%d] finished %v ago and was never collected. Dropping.", id, age.Round(time.Second))
			delete(e.tasks, id)
		}
	}
}
