package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/raft-jobdist/internal/config"
	"github.com/ChuLiYu/raft-jobdist/internal/controller"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startNode 啟動單節點 memory 叢集並等待成為 leader
func startNode(t *testing.T) (*controller.Controller, *metrics.Collector) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Node.Listen = addr
	cfg.Cluster.Peers = map[string]string{"n1": addr}
	cfg.Raft.ElectionTimeout = 100 * time.Millisecond
	cfg.Raft.HeartbeatInterval = 20 * time.Millisecond
	cfg.Storage.Backend = config.BackendMemory

	m := metrics.NewCollector()
	c, err := controller.NewController(cfg, m)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	require.Eventually(t, c.Raft().IsLeader, 3*time.Second, 10*time.Millisecond)
	return c, m
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter(t *testing.T) {
	node, m := startNode(t)
	r := NewRouter(node, m, slog.Default())

	w := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	resp, err := node.Handler().SubmitJob(context.Background(), &wire.SubmitJobRequest{
		ProjectID: "proj", AuthorID: "alice", MethodID: 7, Input: []byte("hi"),
	})
	require.NoError(t, err)

	w = do(t, r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st controller.NodeStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "n1", st.NodeID)
	assert.Equal(t, 1, st.Jobs.Pending)
	assert.Equal(t, "Leader", st.Raft.StateName)

	w = do(t, r, http.MethodGet, "/jobs/"+string(resp.JobID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var js wire.GetJobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &js))
	assert.Equal(t, types.StatusPending, js.Job.Status)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/jobs/missing", "").Code)
	// 沒有設定投影時索引查詢一律找不到
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/jobs/"+string(resp.JobID)+"?source=index", "").Code)

	w = do(t, r, http.MethodPost, "/jobs/"+string(resp.JobID)+"/cancel", `{"reason":"operator"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var upd wire.JobUpdateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upd))
	assert.True(t, upd.Accepted)
	assert.Equal(t, types.StatusFailed, upd.Job.Status)

	// 已取消的任務不可重試
	w = do(t, r, http.MethodPost, "/jobs/"+string(resp.JobID)+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upd))
	assert.False(t, upd.Accepted)
	assert.Contains(t, upd.Reason, "cancelled")

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/jobs/x/cancel", `{bad`).Code)

	w = do(t, r, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"LeaderID":"n1"`)

	w = do(t, r, http.MethodGet, "/workers", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "jobdist_jobs_enqueued_total 1")
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&types.NotLeaderError{LeaderID: "n2", LeaderAddr: "h:2"}, http.StatusMisdirectedRequest},
		{fmt.Errorf("%w: j1", types.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad", types.ErrInvalidRequest), http.StatusBadRequest},
		{types.ErrLeadershipLost, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: down", types.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, tt.err)
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeError(c, &types.NotLeaderError{LeaderID: "n2", LeaderAddr: "h:2"})
	assert.Contains(t, w.Body.String(), `"leader_addr":"h:2"`)
}

func TestServer_GRPCHealth(t *testing.T) {
	node, m := startNode(t)
	s := New(config.AdminConfig{HTTPAddr: "127.0.0.1:0", GRPCHealthAddr: "127.0.0.1:0"}, node, m)
	s.interval = 20 * time.Millisecond
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close(context.Background()) })

	httpResp, err := http.Get("http://" + s.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)

	// 節點停止後回報 NOT_SERVING
	require.NoError(t, node.Stop())
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_Disabled(t *testing.T) {
	s := New(config.AdminConfig{}, nil, nil)
	require.NoError(t, s.Start())
	assert.Empty(t, s.HTTPAddr())
	assert.Empty(t, s.GRPCAddr())
	require.NoError(t, s.Close(context.Background()))
}
