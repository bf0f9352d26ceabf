package dispatcher_test

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/cacheengine"
	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/cacheserver"
	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/diskcache"
	"github.com/yadcc-go/yadcc/internal/dispatcher"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/scheduler"
	"github.com/yadcc-go/yadcc/internal/servant"
)

const (
	daemonToken      = "daemon-token"
	cacheUserToken   = "cache-user-token"
	cacheFillToken   = "cache-fill-token"
	fakeCompilerBody = "#!/bin/sh\ncat > out.o\necho compiled\nexit 0\n"
)

// cluster is a complete in-process deployment: scheduler, one servant,
// and a cache server, all over real HTTP.
type cluster struct {
	schedulerURL string
	cacheURL     string

	sched           *scheduler.Scheduler
	env             model.EnvironmentDesc
	cacheIn         *cacheserver.Server
	engine          *servant.Engine
	servantLocation model.ServantLocation
}

func startCluster(t *testing.T) *cluster {
	t.Helper()

	// Scheduler.
	sched := scheduler.New(scheduler.Options{
		MinMemoryForNewTask: 1 << 20,
		ExpirationInterval:  50 * time.Millisecond,
	})
	sched.Start()
	t.Cleanup(sched.Stop)
	schedSvc, err := scheduler.NewService(sched, scheduler.ServiceOptions{
		DaemonTokens:             []string{daemonToken},
		ServingDaemonTokenSecret: []byte("test-secret"),
	})
	require.NoError(t, err)
	schedMux := http.NewServeMux()
	schedSvc.RegisterHandlers(schedMux)
	schedSrv := httptest.NewServer(schedMux)
	t.Cleanup(schedSrv.Close)

	// Cache server, disk-backed.
	dc, err := diskcache.Open(diskcache.Options{Shards: map[string]int64{t.TempDir(): 64 << 20}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dc.Close() })
	cacheSrv := cacheserver.New(cacheengine.NewDiskEngine(dc), cacheserver.Options{
		UserTokens:    []string{cacheUserToken},
		ServantTokens: []string{cacheFillToken},
	})
	cacheSrv.Start()
	t.Cleanup(cacheSrv.Stop)
	cacheMux := http.NewServeMux()
	cacheSrv.RegisterHandlers(cacheMux)
	cacheHTTP := httptest.NewServer(cacheMux)
	t.Cleanup(cacheHTTP.Close)

	// Servant.
	compilerPath := filepath.Join(t.TempDir(), "fake-cc")
	require.NoError(t, os.WriteFile(compilerPath, []byte(fakeCompilerBody), 0o755))
	registry := servant.NewCompilerRegistry()
	env, err := registry.RegisterCompiler(compilerPath)
	require.NoError(t, err)

	engine := servant.NewEngine(servant.EngineOptions{
		Registry:      registry,
		WorkspaceRoot: t.TempDir(),
	})
	engine.Start()
	t.Cleanup(func() { engine.Stop(); engine.Join() })
	servantSvc := servant.NewService(engine)
	servantMux := http.NewServeMux()
	servantSvc.RegisterHandlers(servantMux)
	servantSrv := httptest.NewServer(servantMux)
	t.Cleanup(servantSrv.Close)

	hb := servant.NewHeartbeater(servant.HeartbeatOptions{
		Scheduler: api.NewSchedulerClient(schedSrv.URL, daemonToken),
		Location:  servantSrv.Listener.Addr().String(),
		Version:   1,
		MaxTasks:  4,
		Priority:  model.PriorityUser,
		Registry:  registry,
		Engine:    engine,
		Service:   servantSvc,
	})
	hb.Start()
	t.Cleanup(hb.Stop)

	return &cluster{
		schedulerURL:    schedSrv.URL,
		cacheURL:        cacheHTTP.URL,
		sched:           sched,
		env:             env,
		cacheIn:         cacheSrv,
		engine:          engine,
		servantLocation: model.ServantLocation(servantSrv.Listener.Addr().String()),
	}
}

type delegate struct {
	d      *dispatcher.Dispatcher
	reader *dispatcher.DistributedCacheReader
}

func startDelegate(t *testing.T, c *cluster, withCache bool) *delegate {
	t.Helper()
	schedClient := api.NewSchedulerClient(c.schedulerURL, daemonToken)

	grants := dispatcher.NewTaskGrantKeeper(schedClient)
	t.Cleanup(func() { grants.Stop(); grants.Join() })

	config := dispatcher.NewConfigKeeper(schedClient)
	config.Start()
	t.Cleanup(func() { config.Stop(); config.Join() })

	running := dispatcher.NewRunningTaskKeeper(schedClient)
	running.Start()
	t.Cleanup(func() { running.Stop(); running.Join() })

	var reader *dispatcher.DistributedCacheReader
	if withCache {
		reader = dispatcher.NewDistributedCacheReader(api.NewCacheClient(c.cacheURL, cacheUserToken))
		reader.Start()
		t.Cleanup(func() { reader.Stop(); reader.Join() })
	}

	d := dispatcher.New(dispatcher.Options{
		Scheduler:    schedClient,
		GrantKeeper:  grants,
		Config:       config,
		CacheReader:  reader,
		RunningTasks: running,
	})
	d.Start()
	t.Cleanup(func() { d.Stop(); d.Join() })
	return &delegate{d: d, reader: reader}
}

func newCxxTask(t *testing.T, env model.EnvironmentDesc, source string, mode model.CacheControlMode) *dispatcher.CxxCompilationTask {
	t.Helper()
	compressed, err := compression.Zstd([]byte(source))
	require.NoError(t, err)
	return &dispatcher.CxxCompilationTask{
		Pid:                 os.Getpid(),
		Env:                 env,
		SourcePath:          "a.cc",
		SourceDigest:        "src-digest-of-" + source,
		InvocationArguments: "-c -",
		CacheMode:           mode,
		PreprocessedSource:  compressed,
	}
}

func waitDone(t *testing.T, d *dispatcher.Dispatcher, taskID uint64) *dispatcher.TaskOutput {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		output, status := d.WaitForTask(taskID, time.Second)
		switch status {
		case dispatcher.WaitOK:
			return output
		case dispatcher.WaitNotFound:
			t.Fatalf("task %d vanished", taskID)
		}
	}
	t.Fatalf("task %d did not finish in time", taskID)
	return nil
}

func TestSingleSuccessfulCompile(t *testing.T) {
	c := startCluster(t)
	del := startDelegate(t, c, false)

	taskID := del.d.QueueTask(newCxxTask(t, c.env, "int main() {}\n", model.CacheDisallow), time.Now().Add(time.Minute))
	output := waitDone(t, del.d, taskID)

	require.Zero(t, output.ExitCode)
	require.Equal(t, "compiled\n", output.Stdout)
	require.Len(t, output.Files, 1)
	require.Equal(t, ".o", output.Files[0].Name)
	require.Contains(t, string(output.Files[0].Data), "int main() {}\n")
}

func TestGrantIsReleasedAfterCompletion(t *testing.T) {
	c := startCluster(t)
	del := startDelegate(t, c, false)

	taskID := del.d.QueueTask(newCxxTask(t, c.env, "a\n", model.CacheDisallow), time.Now().Add(time.Minute))
	waitDone(t, del.d, taskID)

	// All capacity must come back eventually (the prefetched grant may
	// still be pooled, but nothing leaks beyond it).
	require.Eventually(t, func() bool {
		return c.sched.DumpInternals().RunningTasks <= 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCacheHitSkipsCompilation(t *testing.T) {
	c := startCluster(t)

	// Prepopulate the cache under the exact key the task will compute.
	task := newCxxTask(t, c.env, "cached\n", model.CacheAllow)
	entry := cacheformat.Write(cacheformat.Entry{
		ExitCode: 0,
		Files:    []cacheformat.FileEntry{{Name: ".o", Data: []byte("OBJ")}},
	})
	require.NoError(t, c.cacheIn.PutEntry(cacheFillToken, task.CacheKey(), entry))

	del := startDelegate(t, c, true)
	// The reader's initial full fetch must already know the key.
	taskID := del.d.QueueTask(task, time.Now().Add(time.Minute))
	output := waitDone(t, del.d, taskID)

	require.Zero(t, output.ExitCode)
	require.Len(t, output.Files, 1)
	require.Equal(t, []byte("OBJ"), output.Files[0].Data)
	// No compile happened, so the scheduler saw no task from us.
	require.Zero(t, c.sched.DumpInternals().RunningTasks)
}

func TestAbortOnStartDeadline(t *testing.T) {
	c := startCluster(t)
	del := startDelegate(t, c, false)

	// An environment no servant advertises: the grant loop spins until
	// the start deadline aborts the task.
	task := newCxxTask(t, model.EnvironmentDesc{CompilerDigest: "no-such-env"}, "x\n", model.CacheDisallow)
	taskID := del.d.QueueTask(task, time.Now().Add(2*time.Second))
	output := waitDone(t, del.d, taskID)
	require.Negative(t, output.ExitCode)
}

func TestInFlightDedupReferencesExistingTask(t *testing.T) {
	c := startCluster(t)

	// Queue a compilation straight on the servant, as some other
	// requestor would have.
	source := []byte("identical translation unit\n")
	sourceSum := blake3.Sum256(source)
	sourceDigest := hex.EncodeToString(sourceSum[:])
	compressed, err := compression.Zstd(source)
	require.NoError(t, err)

	grantedTo := model.TaskPersonality{RequestorIP: "10.9.9.9", EnvDesc: c.env}
	alloc, err := c.sched.WaitForStartingNewTask(grantedTo, 20*time.Second, time.Second, false)
	require.NoError(t, err)

	servantTaskID, err := c.engine.QueueCxxTask(&api.QueueCxxTaskRequest{
		TaskGrantID:          alloc.GrantID,
		EnvDesc:              c.env,
		InvocationArguments:  "-c -",
		CompressionAlgorithm: api.CompressionZstd,
	}, compressed)
	require.NoError(t, err)

	digest := cacheformat.Digest(c.env, "-c -", sourceDigest)
	// Feed the scheduler the servant's view so GetRunningTasks exposes
	// the in-flight task, as the next heartbeat would.
	c.sched.ExamineRunningTasks(c.servantLocation, []api.RunningTask{{
		TaskGrantID:   alloc.GrantID,
		ServantTaskID: servantTaskID,
		TaskDigest:    digest,
	}})

	// Now an identical task arrives at our delegate: it must reference
	// the running compilation instead of starting its own.
	del := startDelegate(t, c, false)
	task := newCxxTask(t, c.env, string(source), model.CacheDisallow)
	task.SourceDigest = sourceDigest
	require.Equal(t, digest, task.TaskDigest())

	taskID := del.d.QueueTask(task, time.Now().Add(time.Minute))
	output := waitDone(t, del.d, taskID)
	require.Zero(t, output.ExitCode)

	// The servant only ever saw the one task.
	require.LessOrEqual(t, len(c.engine.RunningTasks()), 1)
}
