// Command yadcc-cached runs a distributed-cache node: an ARC front
// cache over a sharded on-disk store, plus the Bloom-filter service
// requestors use to skip misses cheaply.
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

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yadcc-go/yadcc/internal/cacheengine"
	"github.com/yadcc-go/yadcc/internal/cacheserver"
	"github.com/yadcc-go/yadcc/internal/diskcache"
	"github.com/yadcc-go/yadcc/internal/metrics"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

var (
	listenAddr = flag.String("listen", ":8337", "Address the cache RPCs are served on.")
	adminAddr  = flag.String("admin-listen", "127.0.0.1:9337", "Address of the admin/metrics mux.")

	userTokens    = flag.String("acceptable-user-tokens", "", "Comma-separated tokens authorizing get / bloom-filter fetch.")
	servantTokens = flag.String("acceptable-servant-tokens", "", "Comma-separated tokens authorizing put.")

	cacheDirs = flag.String("cache-dirs", "", `Shard directories as "size1,path1:size2,path2:...". Sizes accept K/M/G suffixes.`)
	misplaced = flag.String("action-on-misplaced-cache-entry", "move", "What startup reconciliation does with a misplaced entry: delete, move or ignore.")

	maxInMemory = flag.String("max-in-memory-cache-size", "4G", "Byte budget of the in-memory ARC front cache.")
)

func main() {
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()
	nlog.SetTitle("yadcc-cached")

	if *userTokens == "" || *servantTokens == "" || *cacheDirs == "" {
		nlog.Errorf("-acceptable-user-tokens, -acceptable-servant-tokens and -cache-dirs are all required.")
		os.Exit(1)
	}
	shards, err := diskcache.ParseCacheDirs(*cacheDirs)
	if err != nil {
		nlog.Errorf("Invalid -cache-dirs: %v.", err)
		os.Exit(1)
	}
	action, err := diskcache.ParseActionOnMisplacedEntry(*misplaced)
	if err != nil {
		nlog.Errorf("Invalid -action-on-misplaced-cache-entry: %v.", err)
		os.Exit(1)
	}
	memBudget, err := parseSize(*maxInMemory)
	if err != nil {
		nlog.Errorf("Invalid -max-in-memory-cache-size: %v.", err)
		os.Exit(1)
	}

	disk, err := diskcache.Open(diskcache.Options{
		Shards:            shards,
		ActionOnMisplaced: action,
	})
	if err != nil {
		nlog.Errorf("Failed to open disk cache: %v.", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	cacheMetrics := metrics.NewCache(reg)

	server := cacheserver.New(cacheengine.NewDiskEngine(disk), cacheserver.Options{
		UserTokens:       strings.Split(*userTokens, ","),
		ServantTokens:    strings.Split(*servantTokens, ","),
		MaxInMemoryBytes: memBudget,
	})
	server.Start()

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler(reg))
	adminMux.HandleFunc("/inspect/cache", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, server.DumpInternals())
	})
	adminSrv := &http.Server{Addr: *adminAddr, Handler: adminMux}

	// Mirror the ARC gauges once a second; scraping DumpInternals on
	// each Prometheus pull would take the ARC lock on a hot path.
	stopGauges := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		var lastHits, lastMisses int64
		for {
			select {
			case <-t.C:
				in := server.DumpInternals()
				cacheMetrics.HitsTotal.Add(float64(in.Hits - lastHits))
				cacheMetrics.MissesTotal.Add(float64(in.Misses - lastMisses))
				lastHits, lastMisses = in.Hits, in.Misses
				cacheMetrics.ARCT1Bytes.Set(float64(in.FrontCache.T1Bytes))
				cacheMetrics.ARCT2Bytes.Set(float64(in.FrontCache.T2Bytes))
				cacheMetrics.ARCB1Bytes.Set(float64(in.FrontCache.B1Bytes))
				cacheMetrics.ARCB2Bytes.Set(float64(in.FrontCache.B2Bytes))
			case <-stopGauges:
				return
			}
		}
	}()

	go func() {
		nlog.Infof("Serving cache RPCs on %s.", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Errorf("Cache listener failed: %v.", err)
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
	close(stopGauges)
	server.Stop()
	_ = disk.Close()
}

func waitForTermination() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

func parseSize(s string) (int64, error) {
	return diskcache.ParseSize(s)
}

func writeJSON(w http.ResponseWriter, body any) {
	buf, err := jsoniter.MarshalIndent(body, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}
