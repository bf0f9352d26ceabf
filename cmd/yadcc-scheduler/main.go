// Command yadcc-scheduler runs the cluster's admission controller.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yadcc-go/yadcc/internal/metrics"
	"github.com/yadcc-go/yadcc/internal/nlog"
	"github.com/yadcc-go/yadcc/internal/scheduler"
	"github.com/yadcc-go/yadcc/internal/version"
)

var (
	listenAddr = flag.String("listen", ":8335", "Address the scheduler RPCs are served on.")
	adminAddr  = flag.String("admin-listen", "127.0.0.1:9335", "Address of the admin/metrics mux.")

	daemonTokens = flag.String("acceptable-tokens", "", "Comma-separated tokens daemons must present.")
	tokenSecret  = flag.String("serving-daemon-token-secret", "", "HMAC secret signing the rotating serving-daemon tokens.")
	tokenRollout = flag.Duration("serving-daemon-token-rollout-interval", time.Hour, "Interval between serving-daemon token rollouts.")

	minVersion = flag.Int("min-daemon-version", 0, "Daemons older than this are rejected.")
	minMemory  = flag.String("servant-min-memory-for-accepting-new-task", "10G", "Memory floor below which a servant accepts no new tasks.")
)

func main() {
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()
	nlog.SetTitle("yadcc-scheduler")

	if *daemonTokens == "" || *tokenSecret == "" {
		nlog.Errorf("Both -acceptable-tokens and -serving-daemon-token-secret are required.")
		os.Exit(1)
	}
	memoryFloor, err := parseSize(*minMemory)
	if err != nil {
		nlog.Errorf("Invalid -servant-min-memory-for-accepting-new-task: %v.", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	sched := scheduler.New(scheduler.Options{
		MinMemoryForNewTask: uint64(memoryFloor),
		Metrics:             metrics.NewScheduler(reg),
	})
	sched.Start()

	svc, err := scheduler.NewService(sched, scheduler.ServiceOptions{
		DaemonTokens:              strings.Split(*daemonTokens, ","),
		MinDaemonVersion:          *minVersion,
		ServingDaemonTokenSecret:  []byte(*tokenSecret),
		ServingDaemonTokenRollout: *tokenRollout,
	})
	if err != nil {
		nlog.Errorf("Failed to initialize scheduler service: %v.", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	svc.RegisterHandlers(mux)
	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler(reg))
	adminMux.HandleFunc("/inspect/task_dispatcher", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, sched.DumpInternals())
	})
	adminSrv := &http.Server{Addr: *adminAddr, Handler: adminMux}

	go func() {
		nlog.Infof("Serving scheduler RPCs on %s (version %s).", *listenAddr, version.String)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Errorf("Scheduler listener failed: %v.", err)
			os.Exit(1)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Warningf("Admin listener failed: %v.", err)
		}
	}()

	waitForTermination()
	nlog.Infof("Leaving.")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
	sched.Stop()
}

func waitForTermination() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
