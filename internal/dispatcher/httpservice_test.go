package dispatcher_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/dispatcher"
	"github.com/yadcc-go/yadcc/internal/transport"
)

func startLocalHTTP(t *testing.T, c *cluster) (*httptest.Server, *dispatcher.FileDigestCache) {
	t.Helper()
	del := startDelegate(t, c, false)

	monitor := dispatcher.NewLocalTaskMonitor(dispatcher.LocalTaskMonitorOptions{MaxTasks: 2})
	monitor.Start()
	t.Cleanup(func() { monitor.Stop(); monitor.Join() })

	digests := dispatcher.NewFileDigestCache()
	svc := dispatcher.NewHTTPService(dispatcher.HTTPServiceOptions{
		Dispatcher:  del.d,
		Monitor:     monitor,
		FileDigests: digests,
		Version:     "test",
	})
	mux := http.NewServeMux()
	svc.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, digests
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAcquireAndReleaseQuota(t *testing.T) {
	c := startCluster(t)
	srv, _ := startLocalHTTP(t, c)

	resp := postJSON(t, srv.URL+"/local/acquire_quota",
		`{"milliseconds_to_wait":100,"lightweight_task":false,"requestor_pid":4242}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/local/acquire_quota",
		`{"milliseconds_to_wait":100,"lightweight_task":false,"requestor_pid":4243}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Third heavy quota: full.
	resp = postJSON(t, srv.URL+"/local/acquire_quota",
		`{"milliseconds_to_wait":10,"lightweight_task":false,"requestor_pid":4244}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/local/release_quota", `{"requestor_pid":4242}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/local/acquire_quota",
		`{"milliseconds_to_wait":1000,"lightweight_task":false,"requestor_pid":4244}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitUnknownCompilerIsRejectedUntilTaught(t *testing.T) {
	c := startCluster(t)
	srv, _ := startLocalHTTP(t, c)

	source, err := compression.Zstd([]byte("int main() {}\n"))
	require.NoError(t, err)
	head := `{"requestor_process_id":` + strconv.Itoa(os.Getpid()) + `,"source_path":"a.cc","source_digest":"d1",` +
		`"compiler_invocation_arguments":"-c -","cache_control":0,` +
		`"compiler":{"path":"/usr/bin/g++","size":123,"timestamp":456}}`
	body := transport.WriteMultiChunk([][]byte{[]byte(head), source})

	resp, err := http.Post(srv.URL+"/local/submit_cxx_task", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Teach the daemon the compiler's digest; resubmission succeeds and
	// the task runs to completion through the whole cluster.
	taught := postJSON(t, srv.URL+"/local/set_file_digest",
		`{"path":"/usr/bin/g++","size":123,"timestamp":456,"digest":"`+c.env.CompilerDigest+`"}`)
	require.Equal(t, http.StatusOK, taught.StatusCode)

	resp, err = http.Post(srv.URL+"/local/submit_cxx_task", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var queued struct {
		TaskID uint64 `json:"task_id"`
	}
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&queued))
	require.NotZero(t, queued.TaskID)

	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "task did not finish")
		wr := postJSON(t, srv.URL+"/local/wait_for_cxx_task",
			`{"task_id":`+strconv.FormatUint(queued.TaskID, 10)+`,"milliseconds_to_wait":1000}`)
		if wr.StatusCode == http.StatusServiceUnavailable {
			continue
		}
		require.Equal(t, http.StatusOK, wr.StatusCode)

		raw := new(bytes.Buffer)
		_, err := raw.ReadFrom(wr.Body)
		require.NoError(t, err)
		chunks, err := transport.ParseMultiChunk(raw.Bytes())
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(chunks), 2)

		var head struct {
			ExitCode       int      `json:"exit_code"`
			FileExtensions []string `json:"file_extensions"`
		}
		require.NoError(t, jsoniter.Unmarshal(chunks[0], &head))
		require.Zero(t, head.ExitCode)
		require.Equal(t, []string{".o"}, head.FileExtensions)

		obj, err := compression.Unzstd(chunks[1])
		require.NoError(t, err)
		require.Contains(t, string(obj), "int main() {}\n")
		return
	}
}

func TestGetVersion(t *testing.T) {
	c := startCluster(t)
	srv, _ := startLocalHTTP(t, c)

	resp, err := http.Get(srv.URL + "/local/get_version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
