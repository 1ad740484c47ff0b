// ============================================================================
// raft-jobdist 控制器 - 節點組裝與背景循環
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依設定組裝一個協調節點，並執行節點層級的背景循環
//
// 架構設計:
//   Controller 把以下組件接在一起：
//   - raft.Storage: 日誌與任期持久化（memory / wal / pebble）
//   - JobManager: 複製狀態機，只由 apply loop 修改
//   - transport.Manager + server.Server: 幀協議連線、peer RPC 與客戶端請求
//   - handler.JobRequestHandler: 客戶端與 worker 操作
//   - Snapshot: 定期保存狀態機，加速重啟
//   - 投影與事件: JobIndex（pebble / PostgreSQL）與 AMQP 生命週期事件
//
// 核心循環:
//   1. Apply Loop    - 依序套用已提交的日誌項，回應本地提案，推送投影與事件
//   2. Lease Loop    - leader 定期回收租約過期的任務
//   3. Snapshot Loop - 定期寫入快照（保留備份）
//   4. Stats Loop    - 更新任務統計與 Raft 狀態指標
//
// 崩潰恢復流程:
//   1. 開啟日誌儲存，NewRaft 讀回任期、投票與全部日誌項
//   2. 載入快照並 Restore 狀態機，SetApplied(LastIndex)
//   3. 啟動後由 Raft 重放 LastIndex 之後已提交的日誌項
//   快照超出日誌範圍（日誌遺失）時丟棄快照，從頭重放
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/backoff"
	"github.com/ChuLiYu/raft-jobdist/internal/client"
	"github.com/ChuLiYu/raft-jobdist/internal/config"
	"github.com/ChuLiYu/raft-jobdist/internal/events"
	"github.com/ChuLiYu/raft-jobdist/internal/handler"
	"github.com/ChuLiYu/raft-jobdist/internal/jobmanager"
	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/raft"
	"github.com/ChuLiYu/raft-jobdist/internal/server"
	"github.com/ChuLiYu/raft-jobdist/internal/snapshot"
	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/internal/storage/pebblestore"
	"github.com/ChuLiYu/raft-jobdist/internal/storage/postgres"
	"github.com/ChuLiYu/raft-jobdist/internal/storage/wal"
	"github.com/ChuLiYu/raft-jobdist/internal/transport"
	"github.com/ChuLiYu/raft-jobdist/internal/worker"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// ErrStopped is returned by operations on a controller that has been stopped.
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 協調節點
type Controller struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	store    raft.Storage
	closer   io.Closer // 日誌儲存，nil 表示 memory
	sm       *jobmanager.JobManager
	snapshot *snapshot.Manager // memory 後端為 nil
	index    storage.JobIndex  // pebble 投影，未啟用為 nil
	pg       *postgres.Store

	applyCh chan raft.ApplyMsg
	rf      *raft.Raft
	mgr     *transport.Manager
	srv     *server.Server
	handler *handler.JobRequestHandler

	projector *projector
	events    events.Publisher
	async     *events.Async

	agent       *worker.Agent
	agentClient *client.Client
	agentCancel context.CancelFunc
	agentDone   chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	startTime   time.Time
	lastSnapIdx int64

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// NodeStatus 節點狀態，供 admin 介面與 CLI 使用
type NodeStatus struct {
	NodeID        string               `json:"node_id"`
	Addr          string               `json:"addr"`
	Backend       string               `json:"backend"`
	Uptime        string               `json:"uptime"`
	Raft          raft.Status          `json:"raft"`
	Jobs          types.Stats          `json:"jobs"`
	Peers         map[string]string    `json:"peers"`
	Conns         []transport.ConnInfo `json:"conns"`
	Workers       []handler.WorkerInfo `json:"workers"`
	Agent         *worker.AgentStats   `json:"agent,omitempty"`
	EventsDropped int64                `json:"events_dropped"`
	IndexDropped  int64                `json:"index_dropped"`
	Snapshot      *snapshotStatus      `json:"snapshot,omitempty"`
}

type snapshotStatus struct {
	Path      string `json:"path"`
	LastIndex int64  `json:"last_index"`
}

// ============================================================================
// 建立與恢復
// ============================================================================

// NewController 依設定建立節點並完成恢復，但不開始監聽
func NewController(cfg *config.Config, m *metrics.Collector) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	descs := cfg.Jobs.Methods
	if len(descs) == 0 {
		descs = methods.Defaults()
	}
	reg, err := methods.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build method registry: %w", err)
	}

	c := &Controller{
		cfg:     cfg,
		logger:  slog.With("component", "controller", "node", cfg.Node.ID),
		metrics: m,
		sm:      jobmanager.NewJobManager(cfg.Jobs.RetryLimit),
		applyCh: make(chan raft.ApplyMsg, 256),
		events:  events.Nop{},
		stopCh:  make(chan struct{}),
	}

	if err := c.openStorage(); err != nil {
		return nil, err
	}

	start := time.Now()
	snapIndex, err := c.loadSnapshot()
	if err != nil {
		c.closeStorage()
		return nil, err
	}

	c.mgr = transport.NewManager(transport.Config{
		NodeID:       cfg.Node.ID,
		Peers:        cfg.Cluster.Peers,
		MaxFrameSize: cfg.Wire.MaxFrameSize,
		DialTimeout:  cfg.Wire.DialTimeout,
		WriteTimeout: cfg.Wire.WriteTimeout,
		Backoff:      backoff.NewExponentialWithJitter(cfg.Wire.ReconnectInitial, cfg.Wire.ReconnectMax),
	}, m)

	c.rf, err = raft.NewRaft(raft.Config{
		ID:                cfg.Node.ID,
		Peers:             memberIDs(cfg.Cluster.Peers),
		ElectionTimeout:   cfg.Raft.ElectionTimeout,
		HeartbeatInterval: cfg.Raft.HeartbeatInterval,
		RPCTimeout:        cfg.Raft.RPCTimeout,
		MaxAppendEntries:  cfg.Raft.MaxAppendEntries,
		MaxAppendBytes:    int(cfg.Wire.MaxFrameSize),
	}, c.store, transport.NewRaftTransport(c.mgr), c.applyCh, m)
	if err != nil {
		c.mgr.Close()
		c.closeStorage()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if snapIndex > 0 {
		if err := c.rf.SetApplied(snapIndex); err != nil {
			// 快照比日誌新：日誌已遺失，改為從頭重放
			c.logger.Warn("Snapshot is ahead of the log, discarding it", "snapshot_index", snapIndex, "error", err)
			c.sm = jobmanager.NewJobManager(cfg.Jobs.RetryLimit)
			snapIndex = 0
		}
	}
	c.lastSnapIdx = snapIndex

	recovery := time.Since(start)
	m.SetRecoveryTime(recovery.Seconds())
	c.logger.Info("Recovery completed", "duration", recovery, "snapshot_index", snapIndex, "jobs", c.sm.Stats().Total())

	c.handler = handler.New(handler.Config{
		NodeID:        cfg.Node.ID,
		Peers:         cfg.Cluster.Peers,
		LeaseDuration: cfg.Jobs.LeaseDuration,
		ApplyTimeout:  cfg.Jobs.ApplyTimeout,
		CrawlBelow:    cfg.Jobs.CrawlBelow,
	}, c.rf, c.sm, reg, m)
	c.srv = server.NewServer(c.mgr, c.rf, c.handler)

	if err := c.openSinks(); err != nil {
		c.mgr.Close()
		c.closeStorage()
		return nil, err
	}
	return c, nil
}

// openStorage 開啟設定的日誌儲存後端
func (c *Controller) openStorage() error {
	cfg := c.cfg
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		c.store = raft.NewMemoryStorage()
		return nil
	case config.BackendWAL:
		w, err := wal.Open(filepath.Join(cfg.Node.DataDir, "raft"), wal.Options{NoSync: cfg.Storage.NoSync})
		if err != nil {
			return fmt.Errorf("failed to open WAL: %w", err)
		}
		c.store, c.closer = w, w
	case config.BackendPebble:
		s, err := pebblestore.Open(filepath.Join(cfg.Node.DataDir, "pebble"), pebblestore.Options{NoSync: cfg.Storage.NoSync})
		if err != nil {
			return fmt.Errorf("failed to open pebble store: %w", err)
		}
		c.store, c.closer = s, s
		if cfg.Storage.JobIndex {
			c.index = s
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		c.closeStorage()
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	c.snapshot = snapshot.NewManager(filepath.Join(cfg.Node.DataDir, "jobs.snapshot"))
	return nil
}

func (c *Controller) closeStorage() {
	if c.closer == nil {
		return
	}
	if err := c.closer.Close(); err != nil {
		c.logger.Error("Failed to close log storage", "error", err)
	}
	c.closer = nil
}

// loadSnapshot 從快照恢復狀態機，回傳快照涵蓋的最後日誌索引
func (c *Controller) loadSnapshot() (int64, error) {
	if c.snapshot == nil {
		return 0, nil
	}
	data, err := c.snapshot.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if data.LastIndex == 0 {
		return 0, nil
	}
	if err := c.sm.Restore(data); err != nil {
		return 0, fmt.Errorf("failed to restore state: %w", err)
	}
	c.logger.Info("Snapshot loaded", "last_index", data.LastIndex, "jobs", len(data.Jobs))
	return data.LastIndex, nil
}

// openSinks 建立任務投影與事件發布
func (c *Controller) openSinks() error {
	var sinks []storage.JobIndex
	if c.index != nil {
		// pebble store 的生命週期由日誌儲存負責
		sinks = append(sinks, sharedIndex{c.index})
	}
	if dsn := c.cfg.Storage.Postgres.DSN; dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.NewStore(ctx, c.cfg.Storage.Postgres, c.logger)
		cancel()
		if err != nil {
			return err
		}
		c.pg = pg
		sinks = append(sinks, pg)
	}
	c.projector = newProjector(sinks, c.cfg.Events.BufferSize)

	if url := c.cfg.Events.AMQPURL; url != "" {
		pub, err := events.DialAMQP(url, c.cfg.Events.Exchange, c.logger)
		if err != nil {
			c.projector.Close()
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		c.async = events.NewAsync(pub, c.cfg.Events.BufferSize)
		c.events = c.async
	}
	return nil
}

// sharedIndex is a JobIndex whose lifetime is owned elsewhere.
type sharedIndex struct {
	storage.JobIndex
}

func (sharedIndex) Close() error { return nil }

func memberIDs(peers map[string]string) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ============================================================================
// 啟動
// ============================================================================

// Start 開始監聽並啟動 Raft 與背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}

	if err := c.srv.Listen(c.cfg.Node.Listen); err != nil {
		return err
	}
	c.startTime = time.Now()
	c.started = true

	go func() {
		if err := c.srv.Serve(); err != nil {
			c.logger.Error("Server stopped", "error", err)
		}
	}()
	c.mgr.Start()

	// apply loop 必須先於 Raft 啟動
	c.loopWg.Add(3)
	go c.applyLoop()
	go c.leaseLoop()
	go c.statsLoop()
	if c.snapshot != nil && c.cfg.Storage.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	c.rf.Start()

	if c.cfg.Worker.Concurrency > 0 {
		if err := c.startAgent(); err != nil {
			c.logger.Error("Failed to start embedded worker", "error", err)
		}
	}

	c.logger.Info("Node started", "addr", c.srv.Addr(), "peers", len(c.cfg.Cluster.Peers), "backend", c.cfg.Storage.Backend)
	return nil
}

// startAgent 啟動內嵌 worker。單節點直接呼叫 handler，多節點經由客戶端跟隨 leader。
func (c *Controller) startAgent() error {
	var source worker.JobSource
	if len(c.cfg.Cluster.Peers) == 1 {
		source = NewLocalSource(c.handler)
	} else {
		seeds := []string{c.srv.Addr()}
		for _, id := range memberIDs(c.cfg.Peers()) {
			seeds = append(seeds, c.cfg.Cluster.Peers[id])
		}
		cl, err := client.New(client.Config{
			Seeds:        seeds,
			DialTimeout:  c.cfg.Wire.DialTimeout,
			MaxFrameSize: c.cfg.Wire.MaxFrameSize,
		})
		if err != nil {
			return err
		}
		c.agentClient = cl
		source = client.NewWorkerSource(cl)
	}

	c.agent = worker.NewAgent(worker.AgentConfig{
		WorkerID:          c.cfg.Node.ID + "-worker",
		Concurrency:       c.cfg.Worker.Concurrency,
		PollInterval:      c.cfg.Worker.PollInterval,
		HeartbeatInterval: c.cfg.Worker.HeartbeatInterval,
		TaskTimeout:       c.cfg.Worker.TaskTimeout,
	}, source, worker.DefaultExecutors(nil, c.cfg.Worker.CrawlSeeds...))

	ctx, cancel := context.WithCancel(context.Background())
	c.agentCancel = cancel
	c.agentDone = make(chan struct{})
	go func() {
		defer close(c.agentDone)
		if err := c.agent.Run(ctx); err != nil {
			c.logger.Error("Embedded worker failed", "error", err)
		}
	}()
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// applyLoop 依提交順序套用日誌項；只有這裡會修改狀態機
func (c *Controller) applyLoop() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.applyCh:
			c.apply(msg)
		}
	}
}

func (c *Controller) apply(msg raft.ApplyMsg) {
	if !msg.CommandValid {
		c.sm.Advance(msg.CommandIndex, msg.CommandTerm)
		msg.Respond(nil)
		return
	}

	res := c.sm.Apply(msg.CommandIndex, msg.CommandTerm, msg.Command)
	msg.Respond(res)

	if res.Applied && res.Job != nil {
		c.projector.Put(res.Job, res.Failed)
	}
	if res.Applied {
		for _, job := range res.Enqueued {
			c.projector.Put(job, nil)
		}
	}
	evs := events.FromEnqueued(res)
	if ev, ok := events.FromApplyResult(res); ok {
		evs = append([]events.Event{ev}, evs...)
	}
	for _, ev := range evs {
		if err := c.events.Publish(context.Background(), ev); err != nil {
			c.logger.Warn("Failed to publish event", "job_id", ev.JobID, "error", err)
		}
	}
}

// leaseLoop leader 定期回收租約過期的任務
func (c *Controller) leaseLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Jobs.LeaseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		if !c.rf.IsLeader() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Jobs.LeaseCheckInterval+c.cfg.Jobs.ApplyTimeout)
		n, err := c.handler.ReapExpired(ctx, c.cfg.Jobs.RequeueExpired)
		cancel()
		if err != nil && !errors.Is(err, types.ErrNotLeader) {
			c.logger.Warn("Lease check failed", "reaped", n, "error", err)
		} else if n > 0 {
			c.logger.Info("Expired leases reaped", "count", n, "requeue", c.cfg.Jobs.RequeueExpired)
		}
	}
}

// statsLoop 更新任務統計與 Raft 狀態指標
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.metrics.UpdateJobStats(c.sm.Stats())
			st := c.rf.Status()
			c.metrics.SetRaftState(st.Term, st.State == raft.Leader)
			c.metrics.SetCommitIndex(st.CommitIndex)
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Storage.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				c.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入目前狀態機的快照；自上次快照後沒有新日誌項時略過
func (c *Controller) TakeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()
	data := c.sm.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	if data.LastIndex == c.lastSnapIdx {
		return nil
	}
	if err := c.snapshot.WriteWithBackup(data, c.cfg.Storage.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	c.lastSnapIdx = data.LastIndex
	c.logger.Info("Snapshot taken", "duration", time.Since(start), "last_index", data.LastIndex, "jobs", len(data.Jobs))
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Addr 回傳實際監聽位址
func (c *Controller) Addr() string {
	return c.srv.Addr()
}

func (c *Controller) Raft() *raft.Raft                    { return c.rf }
func (c *Controller) Handler() *handler.JobRequestHandler { return c.handler }
func (c *Controller) JobManager() *jobmanager.JobManager  { return c.sm }
func (c *Controller) Metrics() *metrics.Collector         { return c.metrics }

// IndexedJob reads a job from the projection sinks, pebble first. It may lag the
// replicated state.
func (c *Controller) IndexedJob(ctx context.Context, id types.JobID) (*types.Job, *types.FailedJob, error) {
	for _, idx := range []storage.JobIndex{c.index, c.pgIndex()} {
		if idx == nil {
			continue
		}
		job, failed, err := idx.GetJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		return job, failed, err
	}
	return nil, nil, storage.ErrNotFound
}

func (c *Controller) pgIndex() storage.JobIndex {
	if c.pg == nil {
		return nil
	}
	return c.pg
}

// Health 回傳節點是否可服務：未停止、已知 leader，且 PostgreSQL 投影可連線
func (c *Controller) Health(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if c.rf.Leader() == "" {
		return fmt.Errorf("%w: no known leader", types.ErrUnavailable)
	}
	if c.pg != nil {
		if err := c.pg.HealthCheck(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Status 取得節點狀態
func (c *Controller) Status() NodeStatus {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime).Truncate(time.Millisecond)
	}
	lastSnap := c.lastSnapIdx
	c.mu.Unlock()

	st := NodeStatus{
		NodeID:       c.cfg.Node.ID,
		Addr:         c.srv.Addr(),
		Backend:      c.cfg.Storage.Backend,
		Uptime:       uptime.String(),
		Raft:         c.rf.Status(),
		Jobs:         c.sm.Stats(),
		Peers:        c.cfg.Cluster.Peers,
		Conns:        c.mgr.Conns(),
		Workers:      c.handler.Workers(),
		IndexDropped: c.projector.Dropped(),
	}
	if c.async != nil {
		st.EventsDropped = c.async.Dropped()
	}
	if c.agent != nil {
		as := c.agent.Stats()
		st.Agent = &as
	}
	if c.snapshot != nil {
		st.Snapshot = &snapshotStatus{Path: c.snapshot.GetPath(), LastIndex: lastSnap}
	}
	return st
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉節點
//
// 關閉順序：
//  1. 停止內嵌 worker（回報進行中的任務）
//  2. 關閉 server 與 Raft，未完成的提案以 ErrUnavailable 結束
//  3. close(stopCh)，等待所有循環退出
//  4. 最後一次快照，排空投影與事件，關閉日誌儲存
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info("Stopping node")

	if c.agentCancel != nil {
		c.agentCancel()
		<-c.agentDone
	}
	if c.agentClient != nil {
		c.agentClient.Close()
	}

	if started {
		c.srv.Close()
		c.rf.Stop()
	}
	c.mgr.Close()

	close(c.stopCh)
	c.loopWg.Wait()

	if err := c.TakeSnapshot(); err != nil {
		c.logger.Error("Failed to take final snapshot", "error", err)
	}
	if err := c.projector.Close(); err != nil {
		c.logger.Error("Failed to close job index", "error", err)
	}
	if err := c.events.Close(); err != nil {
		c.logger.Error("Failed to close event publisher", "error", err)
	}
	c.closeStorage()

	c.logger.Info("Node stopped")
	return nil
}
