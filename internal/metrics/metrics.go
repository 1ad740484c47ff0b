// ============================================================================
// raft-jobdist Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集節點的任務、共識與傳輸層指標，透過 /metrics 暴露
//
// 設計:
//   Collector 是一個顯式傳入各元件的上下文物件（不使用全域 registry）。
//   每個 Collector 擁有自己的 prometheus.Registry，因此同一個行程內
//   可以跑多個節點（測試叢集）而不會重複註冊。
//   所有 Record* 方法對 nil receiver 是安全的，元件可以不帶指標運行。
//
// 指標分類:
//
//   1. 任務 (Counter / Gauge)：
//      - jobdist_jobs_enqueued_total / duplicate / assigned / completed / failed / retried / cancelled
//      - jobdist_jobs{status="..."}: 各狀態任務數（由狀態機統計）
//      - jobdist_job_latency_seconds: 入隊到完成的延遲
//
//   2. 共識 (Gauge / Counter)：
//      - jobdist_raft_term, jobdist_raft_commit_index, jobdist_raft_last_applied
//      - jobdist_raft_is_leader
//      - jobdist_raft_elections_total, jobdist_raft_leader_changes_total
//      - jobdist_raft_proposals_total{result}
//      - jobdist_raft_persistence_failures_total
//
//   3. 傳輸 (Counter / Gauge)：
//      - jobdist_wire_frames_total{direction, tag}
//      - jobdist_wire_frame_errors_total{kind}
//      - jobdist_wire_connections{direction}
//      - jobdist_wire_reconnects_total
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(jobdist_jobs_completed_total[1m])
//
//   # 選舉頻率（過高代表 heartbeat 不穩）
//   rate(jobdist_raft_elections_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

const namespace = "jobdist"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsEnqueued  prometheus.Counter
	jobsDuplicate prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsByStatus  *prometheus.GaugeVec

	// 效能指標
	jobLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 共識指標
	raftTerm            prometheus.Gauge
	raftCommitIndex     prometheus.Gauge
	raftLastApplied     prometheus.Gauge
	raftIsLeader        prometheus.Gauge
	raftElections       prometheus.Counter
	raftLeaderChanges   prometheus.Counter
	raftProposals       *prometheus.CounterVec
	raftPersistFailures prometheus.Counter

	// 傳輸指標
	wireFrames      *prometheus.CounterVec
	wireFrameErrors *prometheus.CounterVec
	wireConnections *prometheus.GaugeVec
	wireReconnects  prometheus.Counter
}

// NewCollector 創建新的指標收集器（含獨立 registry）
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		jobsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Total number of submissions answered with an existing job",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_assigned_total",
			Help:      "Total number of jobs assigned to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs failed",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of failed jobs moved back to pending",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per status",
		}, []string{"status"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from enqueue to completion in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state on startup in seconds",
		}),
		raftTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_term",
			Help:      "Current raft term",
		}),
		raftCommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_commit_index",
			Help:      "Highest log index known to be committed",
		}),
		raftLastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_last_applied",
			Help:      "Highest log index applied to the job state machine",
		}),
		raftIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_is_leader",
			Help:      "1 if this node is the leader",
		}),
		raftElections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_elections_total",
			Help:      "Elections started by this node",
		}),
		raftLeaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_leader_changes_total",
			Help:      "Times this node gained or lost leadership",
		}),
		raftProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_proposals_total",
			Help:      "Proposals by outcome",
		}, []string{"result"}),
		raftPersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_persistence_failures_total",
			Help:      "Failed writes to the persistence collaborator",
		}),
		wireFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wire_frames_total",
			Help:      "Frames read and written",
		}, []string{"direction", "tag"}),
		wireFrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wire_frame_errors_total",
			Help:      "Connection-closing frame errors",
		}, []string{"kind"}),
		wireConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wire_connections",
			Help:      "Open connections",
		}, []string{"direction"}),
		wireReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wire_reconnects_total",
			Help:      "Outbound peer reconnect attempts",
		}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsDuplicate, c.jobsAssigned, c.jobsCompleted,
		c.jobsFailed, c.jobsRetried, c.jobsCancelled, c.jobsByStatus,
		c.jobLatency, c.recoveryTime,
		c.raftTerm, c.raftCommitIndex, c.raftLastApplied, c.raftIsLeader,
		c.raftElections, c.raftLeaderChanges, c.raftProposals, c.raftPersistFailures,
		c.wireFrames, c.wireFrameErrors, c.wireConnections, c.wireReconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry 回傳此收集器的 registry（測試用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ---------------------------------------------------------------------------
// 任務
// ---------------------------------------------------------------------------

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

// RecordDuplicate 記錄重複提交
func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.jobsDuplicate.Inc()
}

// RecordAssign 記錄任務分派
func (c *Collector) RecordAssign() {
	if c == nil {
		return
	}
	c.jobsAssigned.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	if latencySeconds >= 0 {
		c.jobLatency.Observe(latencySeconds)
	}
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordRetry 記錄失敗任務重新排隊
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.jobsRetried.Inc()
}

// RecordCancel 記錄任務取消
func (c *Collector) RecordCancel() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// UpdateJobStats 更新各狀態任務數
func (c *Collector) UpdateJobStats(s types.Stats) {
	if c == nil {
		return
	}
	c.jobsByStatus.WithLabelValues(string(types.StatusPending)).Set(float64(s.Pending))
	c.jobsByStatus.WithLabelValues(string(types.StatusAssigned)).Set(float64(s.Assigned))
	c.jobsByStatus.WithLabelValues(string(types.StatusRunning)).Set(float64(s.Running))
	c.jobsByStatus.WithLabelValues(string(types.StatusCompleted)).Set(float64(s.Completed))
	c.jobsByStatus.WithLabelValues(string(types.StatusFailed)).Set(float64(s.Failed))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// ---------------------------------------------------------------------------
// 共識
// ---------------------------------------------------------------------------

// SetRaftState 更新 term 與角色
func (c *Collector) SetRaftState(term int64, isLeader bool) {
	if c == nil {
		return
	}
	c.raftTerm.Set(float64(term))
	if isLeader {
		c.raftIsLeader.Set(1)
	} else {
		c.raftIsLeader.Set(0)
	}
}

// SetCommitIndex 更新 commit index
func (c *Collector) SetCommitIndex(index int64) {
	if c == nil {
		return
	}
	c.raftCommitIndex.Set(float64(index))
}

// SetLastApplied 更新已套用索引
func (c *Collector) SetLastApplied(index int64) {
	if c == nil {
		return
	}
	c.raftLastApplied.Set(float64(index))
}

// RecordElection 記錄發起選舉
func (c *Collector) RecordElection() {
	if c == nil {
		return
	}
	c.raftElections.Inc()
}

// RecordLeaderChange 記錄取得或失去 leader 身分
func (c *Collector) RecordLeaderChange() {
	if c == nil {
		return
	}
	c.raftLeaderChanges.Inc()
}

// RecordProposal 記錄提案結果（accepted / not_leader / too_large / persistence / leadership_lost）
func (c *Collector) RecordProposal(result string) {
	if c == nil {
		return
	}
	c.raftProposals.WithLabelValues(result).Inc()
}

// RecordPersistenceFailure 記錄持久化失敗
func (c *Collector) RecordPersistenceFailure() {
	if c == nil {
		return
	}
	c.raftPersistFailures.Inc()
}

// ---------------------------------------------------------------------------
// 傳輸
// ---------------------------------------------------------------------------

// RecordFrame 記錄讀寫的 frame，direction 為 "in" 或 "out"
func (c *Collector) RecordFrame(direction, tag string) {
	if c == nil {
		return
	}
	c.wireFrames.WithLabelValues(direction, tag).Inc()
}

// RecordFrameError 記錄導致連線關閉的 frame 錯誤
func (c *Collector) RecordFrameError(kind string) {
	if c == nil {
		return
	}
	c.wireFrameErrors.WithLabelValues(kind).Inc()
}

// ConnOpened / ConnClosed 追蹤連線數，direction 為 "inbound" 或 "outbound"
func (c *Collector) ConnOpened(direction string) {
	if c == nil {
		return
	}
	c.wireConnections.WithLabelValues(direction).Inc()
}

func (c *Collector) ConnClosed(direction string) {
	if c == nil {
		return
	}
	c.wireConnections.WithLabelValues(direction).Dec()
}

// RecordReconnect 記錄一次對 peer 的重連嘗試
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.wireReconnects.Inc()
}
