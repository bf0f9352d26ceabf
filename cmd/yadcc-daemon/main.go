// Command yadcc-daemon is the per-machine daemon: toward local compiler
// wrappers it is the requestor-side delegate (task queue, cache probe,
// grant acquisition); toward the cluster it is a servant, contributing
// idle CPU to other machines' builds.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/dispatcher"
	"github.com/yadcc-go/yadcc/internal/metrics"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
	"github.com/yadcc-go/yadcc/internal/servant"
	"github.com/yadcc-go/yadcc/internal/version"
)

var (
	schedulerURI = flag.String("scheduler-uri", "", "Base URL of the scheduler.")
	cacheURI     = flag.String("cache-server-uri", "", "Base URL of the cache server. Empty disables the distributed cache.")
	token        = flag.String("token", "", "Token presented to the scheduler and the cache server.")

	servantPort = flag.Int("serving-port", 8336, "Port serving compilation tasks for other daemons.")
	localPort   = flag.Int("local-port", 8334, "Loopback port serving local compiler wrappers.")

	reportedIP = flag.String("reported-ip", "", "IP this daemon reports to the scheduler. Auto-detected if empty.")

	maxRemoteTasks  = flag.Int("max-remote-tasks", 0, "Concurrent tasks served for others. Defaults to nproc.")
	maxLocalTasks   = flag.Int("max-local-tasks", 0, "Concurrent local tasks. Defaults to nproc/2.")
	lightweightOver = flag.Int("lightweight-local-task-overprovisioning", 2, "Extra local slots for lightweight tasks.")

	dedicated = flag.Bool("dedicated", false, "Mark this servant as dedicated: preferred for allocation while lightly loaded.")

	compilers     = flag.String("compilers", "", "Comma-separated compiler paths offered to the cluster.")
	workspaceRoot = flag.String("workspace-dir", "", "Directory compilations run under. Defaults to the system temp dir.")
)

func main() {
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()
	nlog.SetTitle("yadcc-daemon")

	if *schedulerURI == "" || *token == "" {
		nlog.Errorf("Both -scheduler-uri and -token are required.")
		os.Exit(1)
	}

	schedClient := api.NewSchedulerClient(*schedulerURI, *token)

	// Servant side.
	registry := servant.NewCompilerRegistry()
	for _, path := range strings.Split(*compilers, ",") {
		if path = strings.TrimSpace(path); path == "" {
			continue
		}
		if _, err := registry.RegisterCompiler(path); err != nil {
			nlog.Warningf("Skipping compiler [%s]: %v.", path, err)
		}
	}

	var cacheWriter servant.CacheWriter
	if *cacheURI != "" {
		cacheWriter = api.NewCacheClient(*cacheURI, *token)
	}
	engine := servant.NewEngine(servant.EngineOptions{
		Registry:      registry,
		WorkspaceRoot: *workspaceRoot,
		CacheWriter:   cacheWriter,
	})
	engine.Start()

	servantSvc := servant.NewService(engine)
	servantMux := http.NewServeMux()
	servantSvc.RegisterHandlers(servantMux)
	servantSrv := &http.Server{Addr: ":" + strconv.Itoa(*servantPort), Handler: servantMux}

	maxTasks := *maxRemoteTasks
	if maxTasks == 0 {
		maxTasks = numProcessors()
	}
	priority := model.PriorityUser
	if *dedicated {
		priority = model.PriorityDedicated
	}
	heartbeater := servant.NewHeartbeater(servant.HeartbeatOptions{
		Scheduler: schedClient,
		Location:  net.JoinHostPort(reportedAddress(), strconv.Itoa(*servantPort)),
		Version:   version.ForUpgrade,
		MaxTasks:  maxTasks,
		Priority:  priority,
		Registry:  registry,
		Engine:    engine,
		Service:   servantSvc,
	})

	// Requestor side.
	grants := dispatcher.NewTaskGrantKeeper(schedClient)
	config := dispatcher.NewConfigKeeper(schedClient)
	config.Start()
	running := dispatcher.NewRunningTaskKeeper(schedClient)
	running.Start()

	var reader *dispatcher.DistributedCacheReader
	if *cacheURI != "" {
		reader = dispatcher.NewDistributedCacheReader(api.NewCacheClient(*cacheURI, *token))
		reader.Start()
	}

	reg := prometheus.NewRegistry()
	disp := dispatcher.New(dispatcher.Options{
		Scheduler:    schedClient,
		GrantKeeper:  grants,
		Config:       config,
		CacheReader:  reader,
		RunningTasks: running,
		Metrics:      metrics.NewDaemon(reg),
	})
	disp.Start()

	monitor := dispatcher.NewLocalTaskMonitor(dispatcher.LocalTaskMonitorOptions{
		MaxTasks:                 *maxLocalTasks,
		LightweightOverprovision: *lightweightOver,
	})
	monitor.Start()

	leaveCh := make(chan os.Signal, 1)
	localSvc := dispatcher.NewHTTPService(dispatcher.HTTPServiceOptions{
		Dispatcher:   disp,
		Monitor:      monitor,
		FileDigests:  dispatcher.NewFileDigestCache(),
		Version:      version.String,
		OnAskToLeave: func() { leaveCh <- syscall.SIGTERM },
	})
	localMux := http.NewServeMux()
	localSvc.RegisterHandlers(localMux)
	localMux.Handle("/metrics", metrics.Handler(reg))
	localMux.HandleFunc("/inspect/distributed_task_dispatcher", func(w http.ResponseWriter, _ *http.Request) {
		buf, err := jsoniter.MarshalIndent(disp.Internals(), "", "  ")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf)
	})
	localSrv := &http.Server{Addr: "127.0.0.1:" + strconv.Itoa(*localPort), Handler: localMux}

	listeners, lctx := errgroup.WithContext(context.Background())
	listeners.Go(func() error {
		nlog.Infof("Serving compilation tasks on :%d (version %s).", *servantPort, version.String)
		if err := servantSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	listeners.Go(func() error {
		nlog.Infof("Serving local wrappers on 127.0.0.1:%d.", *localPort)
		if err := localSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	heartbeater.Start()

	signal.Notify(leaveCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-leaveCh:
		nlog.Infof("Leaving.")
	case <-lctx.Done():
		// One of the listeners died; shut down cleanly.
	}

	// Cease accepting work first, then flush what's in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = localSrv.Shutdown(ctx)
	_ = servantSrv.Shutdown(ctx)
	if err := listeners.Wait(); err != nil {
		nlog.Errorf("Listener failed: %v.", err)
	}
	heartbeater.Stop()

	disp.Stop()
	monitor.Stop()
	running.Stop()
	config.Stop()
	grants.Stop()
	if reader != nil {
		reader.Stop()
	}
	engine.Stop()

	disp.Join()
	monitor.Join()
	running.Join()
	config.Join()
	grants.Join()
	if reader != nil {
		reader.Join()
	}
	engine.Join()
}

// reportedAddress picks the IP this daemon advertises: the flag if set,
// otherwise the source address of a UDP "connection" toward the
// scheduler (no packet is sent).
func reportedAddress() string {
	if *reportedIP != "" {
		return *reportedIP
	}
	host := strings.TrimPrefix(strings.TrimPrefix(*schedulerURI, "http://"), "https://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		nlog.Warningf("Cannot determine own IP toward scheduler: %v. Falling back to loopback.", err)
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	return addr
}

// numProcessors sizes the servant's default capacity off the CPUs the
// process may actually use (runtime.NumCPU respects affinity masks).
func numProcessors() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}
