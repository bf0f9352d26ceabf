package scheduler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/scheduler"
)

func startService(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	sched := newScheduler()
	svc, err := scheduler.NewService(sched, scheduler.ServiceOptions{
		DaemonTokens:             []string{"daemon-token"},
		ServingDaemonTokenSecret: []byte("test-secret"),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	svc.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sched
}

func heartbeatReq(location string, lease time.Duration) *api.HeartbeatRequest {
	return &api.HeartbeatRequest{
		Version:           1,
		Location:          location,
		EnvDescs:          []model.EnvironmentDesc{envOf("g++-10")},
		NumProcessors:     4,
		Capacity:          4,
		MemoryAvailable:   64 << 30,
		NextHeartbeatInMs: lease.Milliseconds(),
	}
}

func TestHeartbeatThenAllocateOverRPC(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	resp, err := c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.NoError(t, err)
	require.Len(t, resp.AcceptableTokens, 3)
	require.Empty(t, resp.ExpiredTaskIDs)

	grants, err := c.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 1000,
	})
	require.NoError(t, err)
	require.Len(t, grants.Grants, 1)
	// The observed peer is loopback; the port comes from the report.
	require.Equal(t, "127.0.0.1:8336", grants.Grants[0].ServantLocation)

	ka, err := c.KeepTaskAlive(ctx, &api.KeepTaskAliveRequest{
		TaskGrantIDs:      []uint64{grants.Grants[0].TaskGrantID, 99999},
		NextKeepAliveInMs: 10000,
	})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, ka.Statuses)

	require.NoError(t, c.FreeTask(ctx, &api.FreeTaskRequest{
		TaskGrantIDs: []uint64{grants.Grants[0].TaskGrantID},
	}))
}

func TestBadTokenIsAccessDenied(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "wrong")

	_, err := c.Heartbeat(context.Background(), heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestOversizedLeaseIsInvalidArgument(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")

	_, err := c.Heartbeat(context.Background(), heartbeatReq("127.0.0.1:8336", time.Minute))
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestMalformedLocationIsInvalidArgument(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")

	_, err := c.Heartbeat(context.Background(), heartbeatReq("no-port-here", 10*time.Second))
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestNoQuotaSurfacesAsTypedError(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")

	_, err := c.WaitForStartingTask(context.Background(), &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 10,
	})
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestGetConfigHandsOutMiddleToken(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	hb, err := c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.NoError(t, err)
	cfg, err := c.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, hb.AcceptableTokens[1], cfg.ServingDaemonToken)
}

func TestBehindNATServantGetsNoTasks(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	// Reported address differs from the observed peer (loopback).
	_, err := c.Heartbeat(ctx, heartbeatReq("192.168.7.7:8336", 10*time.Second))
	require.NoError(t, err)

	_, err = c.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 10,
	})
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestZeroLeaseKeepsRecordButBlocksAllocation(t *testing.T) {
	srv, sched := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	_, err := c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.NoError(t, err)

	// A parting heartbeat: lease 0.
	_, err = c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 0))
	require.NoError(t, err)
	require.Equal(t, 1, sched.DumpInternals().ServantsUp)

	_, err = c.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 10,
	})
	require.ErrorIs(t, err, model.ErrNoQuotaAvailable)
}

func TestGetRunningTasksOverRPC(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	_, err := c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.NoError(t, err)
	grants, err := c.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 1000,
	})
	require.NoError(t, err)

	hb := heartbeatReq("127.0.0.1:8336", 10*time.Second)
	hb.RunningTasks = []api.RunningTask{{
		TaskGrantID:   grants.Grants[0].TaskGrantID,
		ServantTaskID: 42,
		TaskDigest:    "abc",
	}}
	resp, err := c.Heartbeat(ctx, hb)
	require.NoError(t, err)
	require.Empty(t, resp.ExpiredTaskIDs)

	running, err := c.GetRunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, running.RunningTasks, 1)
	require.Equal(t, "abc", running.RunningTasks[0].TaskDigest)
}

func TestPrefetchGrantsComeFromPrefetchReqs(t *testing.T) {
	srv, _ := startService(t)
	c := api.NewSchedulerClient(srv.URL, "daemon-token")
	ctx := context.Background()

	_, err := c.Heartbeat(ctx, heartbeatReq("127.0.0.1:8336", 10*time.Second))
	require.NoError(t, err)

	grants, err := c.WaitForStartingTask(ctx, &api.WaitForStartingTaskRequest{
		EnvDesc:            envOf("g++-10"),
		ImmediateReqs:      2,
		PrefetchReqs:       1,
		NextKeepAliveInMs:  10000,
		MillisecondsToWait: 1000,
	})
	require.NoError(t, err)
	require.Len(t, grants.Grants, 3)
}
