// Package types 定義了 raft-jobdist 系統中使用的核心領域模型
package types

// JobID 任務唯一識別碼
type JobID string

// NodeID 叢集成員識別碼，在同一份叢集設定中唯一
type NodeID = string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：已入隊，等待分派
	StatusAssigned  JobStatus = "assigned"  // 已分派：worker 已領取，尚未回報開始
	StatusRunning   JobStatus = "running"   // 執行中：worker 已回報心跳
	StatusCompleted JobStatus = "completed" // 完成：終態
	StatusFailed    JobStatus = "failed"    // 失敗：終態，除非明確 retry
)

// Valid 檢查狀態是否為已知值
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal 回傳狀態是否為終態（Completed / Failed）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive 回傳任務是否正被 worker 持有
func (s JobStatus) IsActive() bool {
	return s == StatusAssigned || s == StatusRunning
}

// Job 任務結構，由 EnqueueJob 命令建立，只能透過後續已提交的命令修改
//
// 所有時間欄位都是 Unix 毫秒，由提出命令的 leader 寫入命令本身，
// 狀態機套用時不讀取本機時鐘。
type Job struct {
	// 識別與資料
	ID        JobID  `json:"id" msgpack:"id"`
	ProjectID string `json:"project_id" msgpack:"project_id"`
	AuthorID  string `json:"author_id" msgpack:"author_id"`
	MethodID  uint32 `json:"method_id" msgpack:"method_id"`
	Input     []byte `json:"input,omitempty" msgpack:"input,omitempty"`
	Output    []byte `json:"output,omitempty" msgpack:"output,omitempty"`
	Priority  int    `json:"priority" msgpack:"priority"`

	// 狀態追蹤
	Status         JobStatus `json:"status" msgpack:"status"`
	AssignedWorker string    `json:"assigned_worker,omitempty" msgpack:"assigned_worker,omitempty"`
	Attempts       int       `json:"attempts" msgpack:"attempts"`
	LeaseDeadline  int64     `json:"lease_deadline_ms,omitempty" msgpack:"lease_deadline_ms,omitempty"`
	IdempotencyKey string    `json:"idempotency_key" msgpack:"idempotency_key"`

	// 時間與日誌位置
	CreatedAt int64 `json:"created_at" msgpack:"created_at"`
	UpdatedAt int64 `json:"updated_at" msgpack:"updated_at"`
	LastIndex int64 `json:"last_index" msgpack:"last_index"` // 最後一次修改此任務的日誌索引
}

// Clone 回傳深拷貝，讀取端拿到的副本不與狀態機共享 slice
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Input != nil {
		c.Input = append([]byte(nil), j.Input...)
	}
	if j.Output != nil {
		c.Output = append([]byte(nil), j.Output...)
	}
	return &c
}

// FailedJob 失敗紀錄，FailJob / CancelJob 提交時建立或更新，用於診斷與重試上限
type FailedJob struct {
	JobID      JobID  `json:"job_id" msgpack:"job_id"`
	Reason     string `json:"reason" msgpack:"reason"`
	ReasonData string `json:"reason_data,omitempty" msgpack:"reason_data,omitempty"`
	RetryCount int    `json:"retry_count" msgpack:"retry_count"`
	Cancelled  bool   `json:"cancelled,omitempty" msgpack:"cancelled,omitempty"`
	FailedAt   int64  `json:"failed_at" msgpack:"failed_at"`
}

// Clone 回傳副本
func (f *FailedJob) Clone() *FailedJob {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// SnapshotSchemaVersion 目前的快照格式版本
const SnapshotSchemaVersion = 2

// SnapshotData 任務視圖快照，記錄套用到 LastIndex 為止的完整狀態
type SnapshotData struct {
	Jobs      map[JobID]*Job       `json:"jobs"`
	Failed    map[JobID]*FailedJob `json:"failed"`
	Keys      map[string]JobID     `json:"keys"`    // idempotency key -> jobID
	Pending   []JobID              `json:"pending"` // 待分派佇列（入隊順序）
	LastIndex int64                `json:"last_index"`
	LastTerm  int64                `json:"last_term"`
	CrawlID   int64                `json:"crawl_id,omitempty"` // 下一輪 crawl 的游標
	SchemaVer int                  `json:"schema_ver"`
}

// Stats 各狀態任務數量
type Stats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total 任務總數
func (s Stats) Total() int {
	return s.Pending + s.Assigned + s.Running + s.Completed + s.Failed
}
