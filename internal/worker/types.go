package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	Job     *types.Job      // 已分派給本 worker 的任務
	Timeout time.Duration   // 執行超時時間，<= 0 表示不限
	Context context.Context // 父 context，取消時中止執行；nil 表示 Background
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Success  bool          // 執行是否成功
	Output   []byte        // 成功時的輸出
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
