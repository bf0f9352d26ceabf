package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const configFetchInterval = 10 * time.Second

// ConfigKeeper maintains cluster-wide configuration pulled from the
// scheduler; today that is the serving-daemon token used to talk to
// servants (but not to the scheduler, nor the cache server).
type ConfigKeeper struct {
	scheduler *api.SchedulerClient

	mu                 sync.Mutex
	servingDaemonToken string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConfigKeeper builds a keeper fetching from scheduler.
func NewConfigKeeper(scheduler *api.SchedulerClient) *ConfigKeeper {
	return &ConfigKeeper{scheduler: scheduler, stopCh: make(chan struct{})}
}

// Start fetches once synchronously, then refreshes in the background.
func (c *ConfigKeeper) Start() {
	c.fetchOnce()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(configFetchInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.fetchOnce()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *ConfigKeeper) Stop() { close(c.stopCh) }

// Join waits for the refresh loop to exit.
func (c *ConfigKeeper) Join() { c.wg.Wait() }

// ServingDaemonToken returns the most recently fetched token; empty
// until the first successful fetch.
func (c *ConfigKeeper) ServingDaemonToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servingDaemonToken
}

func (c *ConfigKeeper) fetchOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.scheduler.GetConfig(ctx)
	if err != nil {
		nlog.Warningf("Failed to fetch config from scheduler: %v.", err)
		return
	}
	c.mu.Lock()
	c.servingDaemonToken = resp.ServingDaemonToken
	c.mu.Unlock()
}
