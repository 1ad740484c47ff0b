// ============================================================================
// raft-jobdist Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │   Agent     │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成，最後關閉 resultCh
//
// 並發控制:
//   - Submit 與 Stop 由 sendMu 互斥，不會向已關閉的 taskCh 發送
//   - Stop 之後 ReceiveResult 仍會取得剩餘結果，直到 resultCh 關閉
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers   []*Worker      // 所有啟動的 Worker 實例
	executors *Executors     // 依 method 查找執行器
	taskCh    chan Task      // 任務通道
	resultCh  chan Result    // 結果通道
	stopCh    chan struct{}  // 停止訊號，解除阻塞中的 Submit
	wg        sync.WaitGroup // 等待所有 Worker 完成
	started   bool
	stopped   bool
	mu        sync.Mutex   // 保護 started / stopped / workers
	sendMu    sync.RWMutex // Submit 持讀鎖，Stop 關閉 taskCh 前持寫鎖
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - executors: 執行器註冊表
func NewPool(bufferSize int, executors *Executors) *Pool {
	if executors == nil {
		executors = NewExecutors()
	}
	return &Pool{
		workers:   make([]*Worker, 0),
		executors: executors,
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.executors)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，taskCh 已滿時阻塞直到有空位或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果，Stop 完成且結果取完後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh，解除阻塞中的 Submit
//  2. 取得 sendMu 寫鎖後關閉 taskCh
//  3. 等待所有 Worker 完成當前任務（結果需有人讀取）
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
