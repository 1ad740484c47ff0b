// ============================================================================
// raft-jobdist 任務管理器 - 複製狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 依日誌順序套用已提交的命令，維護任務的完整生命週期
//
// 設計理念:
//   日誌是唯一的真實來源，任務表只是它的確定性投影：
//   1. jobs map - 統一的任務存儲，Status 欄位區分狀態
//   2. queue - pending 任務佇列，保證同優先級 FIFO
//   3. keys - idempotency key -> jobID，用於去重
//   4. failed - 失敗紀錄，保存原因與重試次數
//   5. crawlID - 下一輪 crawl 任務的游標，由 crawl 完成時回報
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ ASSIGN
//   Assigned (已分派)
//      ↓ START (worker 心跳)
//   Running (執行中)
//      ↓ COMPLETE / FAIL
//   Completed (已完成) / Failed (失敗)
//
//   Failed --RETRY--> Pending   (未取消且 retryCount < limit)
//   Pending/Assigned/Running --CANCEL--> Failed (cancelled)
//
// 確定性:
//   - Apply 不讀取本機時鐘，時間戳與 lease 截止時間都在命令內
//   - 前置條件不成立的命令只記錄並略過，所有節點得到相同結果
//   - 每個索引只套用一次，索引 <= lastIndex 的命令直接忽略
//
// 並發安全:
//   - Apply 只由 apply 迴圈呼叫；讀取方法可由任意 goroutine 呼叫
//   - 使用 sync.RWMutex 保護所有數據結構
//
// ============================================================================

package jobmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 快照版本不支援
	ErrSnapshotVersion = errors.New("unsupported snapshot schema version")
)

// DefaultRetryLimit 預設重試上限
const DefaultRetryLimit = 3

// snapshotSchemaVersion 快照格式版本
const snapshotSchemaVersion = types.SnapshotSchemaVersion

// ApplyResult 套用單一命令的結果，由 apply 迴圈交還給等待中的提案
type ApplyResult struct {
	Index     int64            `json:"index"`
	Type      CommandType      `json:"type"`
	Applied   bool             `json:"applied"`             // 命令是否改變了狀態
	Duplicate bool             `json:"duplicate,omitempty"` // ENQUEUE 命中已存在的 idempotency key
	Reason    string           `json:"reason,omitempty"`    // 未套用的原因
	Job       *types.Job       `json:"job,omitempty"`       // 套用後的任務副本
	Failed    *types.FailedJob `json:"failed,omitempty"`    // 套用後的失敗紀錄副本
	Items     []BatchItem      `json:"items,omitempty"`     // ENQUEUE_BATCH / COMPLETE spawn 的逐項結果
	Enqueued  []*types.Job     `json:"enqueued,omitempty"`  // 本命令新建立的任務（不含 Job 本身）
}

// BatchItem 批次中單一任務的結果，Duplicate 時 JobID 為既有任務
type BatchItem struct {
	JobID     types.JobID `json:"job_id"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

// JobManager 代表複製狀態機
type JobManager struct {
	mu sync.RWMutex

	jobs   map[types.JobID]*types.Job       // 所有任務
	failed map[types.JobID]*types.FailedJob // 失敗紀錄
	keys   map[string]types.JobID           // idempotency key -> jobID
	queue  []types.JobID                    // 待處理佇列（入隊順序）

	lastIndex int64 // 最後套用的日誌索引
	lastTerm  int64
	crawlID   int64

	retryLimit int
	logger     *slog.Logger
}

// NewJobManager 建立新的狀態機，retryLimit <= 0 時使用 DefaultRetryLimit
func NewJobManager(retryLimit int) *JobManager {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &JobManager{
		jobs:       make(map[types.JobID]*types.Job),
		failed:     make(map[types.JobID]*types.FailedJob),
		keys:       make(map[string]types.JobID),
		queue:      make([]types.JobID, 0),
		retryLimit: retryLimit,
		logger:     slog.With("component", "jobmanager"),
	}
}

// RetryLimit 回傳設定的重試上限
func (jm *JobManager) RetryLimit() int {
	return jm.retryLimit
}

// ============================================================================
// 套用命令
// ============================================================================

// Apply 套用位於 index 的已提交命令
//
// 無法解碼的命令與前置條件不成立的命令都視為 no-op：記錄後略過，
// 但仍推進 lastIndex，確保所有節點一致。
func (jm *JobManager) Apply(index, term int64, data []byte) ApplyResult {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	res := ApplyResult{Index: index}
	if index <= jm.lastIndex {
		res.Reason = "already applied"
		return res
	}
	jm.lastIndex = index
	jm.lastTerm = term

	cmd, err := DecodeCommand(data)
	if err != nil {
		jm.logger.Warn("Skipping undecodable command", "index", index, "error", err)
		res.Reason = err.Error()
		return res
	}
	res.Type = cmd.Type

	switch cmd.Type {
	case CmdEnqueue:
		var p EnqueuePayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyEnqueue(index, p, &res)
		}
	case CmdBatch:
		var p BatchPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyBatch(index, p, &res)
		}
	case CmdAssign:
		var p AssignPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyAssign(index, p, &res)
		}
	case CmdStart:
		var p StartPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyStart(index, p, &res)
		}
	case CmdComplete:
		var p CompletePayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyComplete(index, p, &res)
		}
	case CmdFail:
		var p FailPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyFail(index, p, &res)
		}
	case CmdRetry:
		var p RetryPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyRetry(index, p, &res)
		}
	case CmdCancel:
		var p CancelPayload
		if err = json.Unmarshal(cmd.Payload, &p); err == nil {
			jm.applyCancel(index, p, &res)
		}
	case CmdNoOp:
		res.Applied = true
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if err != nil {
		jm.logger.Warn("Skipping malformed command", "index", index, "type", cmd.Type, "error", err)
		res.Reason = err.Error()
		return res
	}
	if !res.Applied && !res.Duplicate {
		jm.logger.Debug("Command precondition not met", "index", index, "type", cmd.Type, "reason", res.Reason)
	}
	return res
}

// Advance 記錄一個不含命令的日誌項（leader 的 no-op）
func (jm *JobManager) Advance(index, term int64) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if index > jm.lastIndex {
		jm.lastIndex = index
		jm.lastTerm = term
	}
}

func (jm *JobManager) applyEnqueue(index int64, p EnqueuePayload, res *ApplyResult) {
	if reason := jm.checkEnqueue(p); reason != "" {
		res.Reason = reason
		return
	}
	job, dup := jm.enqueue(index, p)
	if dup {
		res.Duplicate = true
		res.Reason = types.ErrDuplicateSubmission.Error()
		res.Job = job.Clone()
		return
	}
	res.Applied = true
	res.Job = job.Clone()
}

// applyBatch 全部檢查通過才入隊；已存在的內容回報為 Duplicate
func (jm *JobManager) applyBatch(index int64, p BatchPayload, res *ApplyResult) {
	if len(p.Jobs) == 0 {
		res.Reason = "empty batch"
		return
	}
	if reason := jm.checkBatch(p.Jobs); reason != "" {
		res.Reason = reason
		return
	}
	jm.enqueueAll(index, p.Jobs, res)
	res.Applied = true
}

// checkEnqueue 檢查單一 ENQUEUE 的前置條件（不含去重）
func (jm *JobManager) checkEnqueue(p EnqueuePayload) string {
	if p.JobID == "" || p.IdempotencyKey == "" {
		return "missing job id or idempotency key"
	}
	if _, dup := jm.keys[p.IdempotencyKey]; dup {
		return ""
	}
	if _, exists := jm.jobs[p.JobID]; exists {
		return "job id already used"
	}
	return ""
}

func (jm *JobManager) checkBatch(jobs []EnqueuePayload) string {
	ids := make(map[types.JobID]bool, len(jobs))
	for i, p := range jobs {
		if reason := jm.checkEnqueue(p); reason != "" {
			return fmt.Sprintf("job %d: %s", i, reason)
		}
		if ids[p.JobID] {
			return fmt.Sprintf("job %d: job id repeated in batch", i)
		}
		ids[p.JobID] = true
	}
	return ""
}

// enqueueAll 依序入隊，批次內重複的內容併入第一個
func (jm *JobManager) enqueueAll(index int64, jobs []EnqueuePayload, res *ApplyResult) {
	res.Items = make([]BatchItem, 0, len(jobs))
	for _, p := range jobs {
		job, dup := jm.enqueue(index, p)
		res.Items = append(res.Items, BatchItem{JobID: job.ID, Duplicate: dup})
		if !dup {
			res.Enqueued = append(res.Enqueued, job.Clone())
		}
	}
}

// enqueue 建立任務，idempotency key 已存在時回傳既有任務與 true
func (jm *JobManager) enqueue(index int64, p EnqueuePayload) (*types.Job, bool) {
	if existing, ok := jm.keys[p.IdempotencyKey]; ok {
		return jm.jobs[existing], true
	}
	job := &types.Job{
		ID:             p.JobID,
		ProjectID:      p.ProjectID,
		AuthorID:       p.AuthorID,
		MethodID:       p.MethodID,
		Input:          append([]byte(nil), p.Input...),
		Priority:       p.Priority,
		Status:         types.StatusPending,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      p.Timestamp,
		UpdatedAt:      p.Timestamp,
		LastIndex:      index,
	}
	jm.jobs[job.ID] = job
	jm.keys[job.IdempotencyKey] = job.ID
	jm.queue = append(jm.queue, job.ID)
	return job, false
}

func (jm *JobManager) applyAssign(index int64, p AssignPayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	if job.Status != types.StatusPending {
		res.Reason = fmt.Sprintf("job is %s, not pending", job.Status)
		res.Job = job.Clone()
		return
	}

	job.Status = types.StatusAssigned
	job.AssignedWorker = p.WorkerID
	job.LeaseDeadline = p.LeaseDeadline
	job.Attempts++
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index
	jm.removeFromQueue(job.ID)

	res.Applied = true
	res.Job = job.Clone()
}

func (jm *JobManager) applyStart(index int64, p StartPayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	res.Job = job.Clone()
	if !job.Status.IsActive() {
		res.Reason = fmt.Sprintf("job is %s, not assigned or running", job.Status)
		return
	}
	if job.AssignedWorker != p.WorkerID {
		res.Reason = fmt.Sprintf("job is held by worker %q", job.AssignedWorker)
		return
	}

	job.Status = types.StatusRunning
	job.LeaseDeadline = p.LeaseDeadline
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index

	res.Applied = true
	res.Job = job.Clone()
}

func (jm *JobManager) applyComplete(index int64, p CompletePayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	res.Job = job.Clone()
	if reason := jm.checkHolder(job, p.WorkerID); reason != "" {
		res.Reason = reason
		return
	}
	if reason := jm.checkBatch(p.Spawn); reason != "" {
		res.Reason = "spawn " + reason
		return
	}

	job.Status = types.StatusCompleted
	job.Output = append([]byte(nil), p.Output...)
	job.LeaseDeadline = 0
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index
	if len(p.Spawn) > 0 {
		jm.enqueueAll(index, p.Spawn, res)
	}
	if p.CrawlID != nil {
		jm.crawlID = *p.CrawlID
	}

	res.Applied = true
	res.Job = job.Clone()
}

func (jm *JobManager) applyFail(index int64, p FailPayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	res.Job = job.Clone()
	if reason := jm.checkHolder(job, p.WorkerID); reason != "" {
		res.Reason = reason
		return
	}

	job.Status = types.StatusFailed
	job.LeaseDeadline = 0
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index

	rec := jm.failed[job.ID]
	if rec == nil {
		rec = &types.FailedJob{JobID: job.ID}
		jm.failed[job.ID] = rec
	}
	rec.Reason = p.Reason
	rec.ReasonData = p.ReasonData
	rec.RetryCount++
	rec.Cancelled = false
	rec.FailedAt = p.Timestamp

	res.Applied = true
	res.Job = job.Clone()
	res.Failed = rec.Clone()
}

func (jm *JobManager) applyRetry(index int64, p RetryPayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	res.Job = job.Clone()
	rec := jm.failed[job.ID]
	res.Failed = rec.Clone()

	switch {
	case job.Status != types.StatusFailed:
		res.Reason = fmt.Sprintf("job is %s, not failed", job.Status)
		return
	case rec == nil:
		res.Reason = "no failure record"
		return
	case rec.Cancelled:
		res.Reason = "job was cancelled"
		return
	case rec.RetryCount >= jm.retryLimit:
		res.Reason = fmt.Sprintf("retry limit %d reached", jm.retryLimit)
		return
	}

	job.Status = types.StatusPending
	job.AssignedWorker = ""
	job.LeaseDeadline = 0
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index
	jm.queue = append(jm.queue, job.ID)

	res.Applied = true
	res.Job = job.Clone()
}

func (jm *JobManager) applyCancel(index int64, p CancelPayload, res *ApplyResult) {
	job, ok := jm.jobs[p.JobID]
	if !ok {
		res.Reason = types.ErrJobNotFound.Error()
		return
	}
	res.Job = job.Clone()
	if job.Status.IsTerminal() {
		res.Reason = fmt.Sprintf("job is already %s", job.Status)
		res.Failed = jm.failed[job.ID].Clone()
		return
	}

	if job.Status == types.StatusPending {
		jm.removeFromQueue(job.ID)
	}
	job.Status = types.StatusFailed
	job.LeaseDeadline = 0
	job.UpdatedAt = p.Timestamp
	job.LastIndex = index

	reason := p.Reason
	if reason == "" {
		reason = "cancelled"
	}
	rec := jm.failed[job.ID]
	if rec == nil {
		rec = &types.FailedJob{JobID: job.ID}
		jm.failed[job.ID] = rec
	}
	rec.Reason = reason
	rec.ReasonData = ""
	rec.Cancelled = true
	rec.FailedAt = p.Timestamp

	res.Applied = true
	res.Job = job.Clone()
	res.Failed = rec.Clone()
}

// checkHolder 檢查任務是否可由 workerID 結束；workerID 為空表示由協調者發起
func (jm *JobManager) checkHolder(job *types.Job, workerID string) string {
	if !job.Status.IsActive() {
		return fmt.Sprintf("job is %s, not assigned or running", job.Status)
	}
	if workerID != "" && job.AssignedWorker != workerID {
		return fmt.Sprintf("job is held by worker %q", job.AssignedWorker)
	}
	return ""
}

func (jm *JobManager) removeFromQueue(id types.JobID) {
	if i := slices.Index(jm.queue, id); i >= 0 {
		jm.queue = slices.Delete(jm.queue, i, i+1)
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetJob 取得任務副本，不存在時回傳 nil
func (jm *JobManager) GetJob(jobID types.JobID) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[jobID].Clone()
}

// GetFailed 取得失敗紀錄副本
func (jm *JobManager) GetFailed(jobID types.JobID) *types.FailedJob {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.failed[jobID].Clone()
}

// LookupKey 以 idempotency key 查詢已入隊的任務
func (jm *JobManager) LookupKey(key string) (types.JobID, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	id, ok := jm.keys[key]
	return id, ok
}

// NextPending 選出下一個要分派的任務：優先級最高者，同優先級取最早入隊者
//
// methods 為空表示接受任何 method。只讀取，不改變狀態；真正的分派透過 ASSIGN 命令。
func (jm *JobManager) NextPending(methods []uint32) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var best *types.Job
	for _, id := range jm.queue {
		job := jm.jobs[id]
		if len(methods) > 0 && !slices.Contains(methods, job.MethodID) {
			continue
		}
		if best == nil || job.Priority > best.Priority {
			best = job
		}
	}
	return best.Clone()
}

// CountMethod 回傳某 method 的 Pending 數量與未結束（Pending/Assigned/Running）數量
func (jm *JobManager) CountMethod(methodID uint32) (pending, active int) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	for _, job := range jm.jobs {
		if job.MethodID != methodID {
			continue
		}
		if job.Status == types.StatusPending {
			pending++
		}
		if job.Status == types.StatusPending || job.Status.IsActive() {
			active++
		}
	}
	return pending, active
}

// CrawlID 回傳下一輪 crawl 的游標
func (jm *JobManager) CrawlID() int64 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.crawlID
}

// GetExpiredJobs 取得 lease 已過期的 Assigned/Running 任務，依 ID 排序
func (jm *JobManager) GetExpiredJobs(nowMs int64) []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []*types.Job
	for _, job := range jm.jobs {
		if job.Status.IsActive() && job.LeaseDeadline > 0 && job.LeaseDeadline < nowMs {
			expired = append(expired, job.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() types.Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var s types.Stats
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusAssigned:
			s.Assigned++
		case types.StatusRunning:
			s.Running++
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// LastApplied 回傳最後套用的日誌索引與任期
func (jm *JobManager) LastApplied() (int64, int64) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.lastIndex, jm.lastTerm
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	data := types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job, len(jm.jobs)),
		Failed:    make(map[types.JobID]*types.FailedJob, len(jm.failed)),
		Keys:      make(map[string]types.JobID, len(jm.keys)),
		Pending:   slices.Clone(jm.queue),
		LastIndex: jm.lastIndex,
		LastTerm:  jm.lastTerm,
		CrawlID:   jm.crawlID,
		SchemaVer: snapshotSchemaVersion,
	}
	for id, job := range jm.jobs {
		data.Jobs[id] = job.Clone()
	}
	for id, rec := range jm.failed {
		data.Failed[id] = rec.Clone()
	}
	for k, id := range jm.keys {
		data.Keys[k] = id
	}
	return data
}

// Restore 從快照恢復狀態，取代目前所有內容
func (jm *JobManager) Restore(data types.SnapshotData) error {
	if data.SchemaVer != snapshotSchemaVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, data.SchemaVer)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.failed = make(map[types.JobID]*types.FailedJob, len(data.Failed))
	jm.keys = make(map[string]types.JobID, len(data.Keys))
	jm.queue = make([]types.JobID, 0, len(data.Pending))

	for id, job := range data.Jobs {
		jm.jobs[id] = job.Clone()
	}
	for id, rec := range data.Failed {
		jm.failed[id] = rec.Clone()
	}
	for k, id := range data.Keys {
		jm.keys[k] = id
	}
	for _, id := range data.Pending {
		if job, ok := jm.jobs[id]; ok && job.Status == types.StatusPending {
			jm.queue = append(jm.queue, id)
		}
	}
	jm.lastIndex = data.LastIndex
	jm.lastTerm = data.LastTerm
	jm.crawlID = data.CrawlID
	return nil
}
