package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/yadcc-go/yadcc/internal/transport"
)

// RPC paths. The scheduler, cache server and servant daemons each mount
// their handlers under a distinct prefix so one process can host several
// roles on the same listener.
const (
	PathHeartbeat           = "/scheduler/heartbeat"
	PathGetConfig           = "/scheduler/get_config"
	PathWaitForStartingTask = "/scheduler/wait_for_starting_task"
	PathKeepTaskAlive       = "/scheduler/keep_task_alive"
	PathFreeTask            = "/scheduler/free_task"
	PathGetRunningTasks     = "/scheduler/get_running_tasks"

	PathTryGetEntry      = "/cache/try_get_entry"
	PathPutEntry         = "/cache/put_entry"
	PathFetchBloomFilter = "/cache/fetch_bloom_filter"

	PathQueueCxxTask             = "/daemon/queue_cxx_task"
	PathWaitForCompilationOutput = "/daemon/wait_for_compilation_output"
	PathServantFreeTask          = "/daemon/free_task"
	PathReferenceTask            = "/daemon/reference_task"
)

// SchedulerClient is a typed client for the scheduler's RPC surface.
type SchedulerClient struct {
	bp transport.BaseParams
}

// NewSchedulerClient builds a client against the scheduler at baseURL,
// authenticating with token.
func NewSchedulerClient(baseURL, token string) *SchedulerClient {
	return &SchedulerClient{bp: transport.NewBaseParams(baseURL, token)}
}

// NewSchedulerClientWith uses the given http.Client, for callers that
// need their own timeout policy (the grant keeper's long-poll).
func NewSchedulerClientWith(baseURL, token string, hc *http.Client) *SchedulerClient {
	bp := transport.NewBaseParams(baseURL, token)
	bp.Client = hc
	return &SchedulerClient{bp: bp}
}

func (c *SchedulerClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathHeartbeat, Body: req,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SchedulerClient) GetConfig(ctx context.Context) (*GetConfigResponse, error) {
	var out GetConfigResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathGetConfig,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SchedulerClient) WaitForStartingTask(ctx context.Context, req *WaitForStartingTaskRequest) (*WaitForStartingTaskResponse, error) {
	var out WaitForStartingTaskResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathWaitForStartingTask, Body: req,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SchedulerClient) KeepTaskAlive(ctx context.Context, req *KeepTaskAliveRequest) (*KeepTaskAliveResponse, error) {
	var out KeepTaskAliveResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathKeepTaskAlive, Body: req,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SchedulerClient) FreeTask(ctx context.Context, req *FreeTaskRequest) error {
	return transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathFreeTask, Body: req,
	}.Do(ctx, nil)
}

func (c *SchedulerClient) GetRunningTasks(ctx context.Context) (*GetRunningTasksResponse, error) {
	var out GetRunningTasksResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathGetRunningTasks,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CacheClient is a typed client for the cache server's RPC surface.
type CacheClient struct {
	bp transport.BaseParams
}

func NewCacheClient(baseURL, token string) *CacheClient {
	return &CacheClient{bp: transport.NewBaseParams(baseURL, token)}
}

// TryGetEntry returns the framed cache entry bytes, or model.ErrNotFound.
func (c *CacheClient) TryGetEntry(ctx context.Context, key string) ([]byte, error) {
	q := url.Values{"key": []string{key}}
	var attachment []byte
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathTryGetEntry, Query: q,
	}.DoRaw(ctx, nil, &attachment)
	if err != nil {
		return nil, err
	}
	return attachment, nil
}

func (c *CacheClient) PutEntry(ctx context.Context, key string, entry []byte) error {
	q := url.Values{"key": []string{key}}
	return transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathPutEntry, Query: q, Attachment: entry,
	}.Do(ctx, nil)
}

// FetchBloomFilter returns the response body plus, on a full fetch, the
// zstd-compressed filter bytes.
func (c *CacheClient) FetchBloomFilter(ctx context.Context, req *FetchBloomFilterRequest) (*FetchBloomFilterResponse, []byte, error) {
	var out FetchBloomFilterResponse
	var attachment []byte
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathFetchBloomFilter, Body: req,
	}.DoRaw(ctx, &out, &attachment)
	if err != nil {
		return nil, nil, err
	}
	return &out, attachment, nil
}

// ServantClient is a typed client for one servant daemon.
type ServantClient struct {
	bp transport.BaseParams
}

func NewServantClient(location, token string) *ServantClient {
	return &ServantClient{bp: transport.NewBaseParams("http://"+location, token)}
}

func (c *ServantClient) QueueCxxTask(ctx context.Context, req *QueueCxxTaskRequest, compressedSource []byte) (*QueueCxxTaskResponse, error) {
	var out QueueCxxTaskResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathQueueCxxTask,
		Body: req, Attachment: compressedSource,
	}.Do(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForCompilationOutput returns the response body plus the multi-chunk
// attachment of (compressed) output files.
func (c *ServantClient) WaitForCompilationOutput(ctx context.Context, req *WaitForCompilationOutputRequest) (*WaitForCompilationOutputResponse, []byte, error) {
	var out WaitForCompilationOutputResponse
	var attachment []byte
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathWaitForCompilationOutput, Body: req,
	}.DoRaw(ctx, &out, &attachment)
	if err != nil {
		return nil, nil, err
	}
	return &out, attachment, nil
}

func (c *ServantClient) FreeTask(ctx context.Context, taskID uint64) error {
	return transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathServantFreeTask,
		Body: &ServantFreeTaskRequest{TaskID: taskID},
	}.Do(ctx, nil)
}

// ReferenceTask asks the servant for the id of an already-running task
// with the given digest, or model.ErrNotFound.
func (c *ServantClient) ReferenceTask(ctx context.Context, digest string) (uint64, error) {
	var out ReferenceTaskResponse
	err := transport.ReqParams{
		BaseParams: c.bp, Method: http.MethodPost, Path: PathReferenceTask,
		Body: &ReferenceTaskRequest{TaskDigest: digest},
	}.Do(ctx, &out)
	if err != nil {
		return 0, err
	}
	return out.TaskID, nil
}
