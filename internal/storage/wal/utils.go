package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查 WAL 目錄（不開啟寫入），供 CLI 除錯使用
// ============================================================================

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
)

// WALStats WAL 統計資訊
type WALStats struct {
	Records     int    `json:"records"`      // 檔案中的記錄數
	Truncations int    `json:"truncations"`  // 截斷記錄數
	Entries     int    `json:"entries"`      // 重放後存活的日誌項
	NoOps       int    `json:"noops"`        // 其中 leader no-op 的數量
	LastIndex   int64  `json:"last_index"`   // 最後日誌索引
	LastTerm    int64  `json:"last_term"`    // 最後日誌任期
	TornBytes   int64  `json:"torn_bytes"`   // 檔尾殘缺位元組
	Term        int64  `json:"current_term"` // raft.meta 中的 term
	VotedFor    string `json:"voted_for,omitempty"`
}

// GetWALStats 取得 WAL 目錄的統計資訊
func GetWALStats(dir string) (*WALStats, error) {
	scan, err := scanFile(filepath.Join(dir, logFileName))
	if err != nil {
		return nil, err
	}
	entries, err := replay(scan.records, scan.offsets)
	if err != nil {
		return nil, err
	}

	w := &WAL{metaPath: filepath.Join(dir, metaFileName)}
	if err := w.loadMeta(); err != nil {
		return nil, err
	}

	stats := &WALStats{
		Records:     len(scan.records),
		Truncations: scan.truncations,
		Entries:     len(entries),
		TornBytes:   scan.tornBytes,
		Term:        w.term,
		VotedFor:    w.votedFor,
	}
	for _, e := range entries {
		if e.Type == raft.EntryNoOp {
			stats.NoOps++
		}
	}
	if n := len(entries); n > 0 {
		stats.LastIndex = entries[n-1].Index
		stats.LastTerm = entries[n-1].Term
	}
	return stats, nil
}

// DumpWAL 輸出 WAL 記錄（人類可讀格式）
//
//	[off:0] ENTRY index=1 term=1 noop
//	[off:27] ENTRY index=2 term=1 cmd=123B
//	[off:162] TRUNCATE from=2
func DumpWAL(dir string, w io.Writer) error {
	scan, err := scanFile(filepath.Join(dir, logFileName))
	if err != nil {
		return err
	}
	for i, rec := range scan.records {
		var line string
		switch rec.Kind {
		case RecordEntry:
			if rec.Type == raft.EntryNoOp {
				line = fmt.Sprintf("[off:%d] %s index=%d term=%d noop", scan.offsets[i], rec.Kind, rec.Index, rec.Term)
			} else {
				line = fmt.Sprintf("[off:%d] %s index=%d term=%d cmd=%dB", scan.offsets[i], rec.Kind, rec.Index, rec.Term, len(rec.Command))
			}
		default:
			line = fmt.Sprintf("[off:%d] %s from=%d", scan.offsets[i], rec.Kind, rec.Index)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if scan.tornBytes > 0 {
		_, err = fmt.Fprintf(w, "[off:%d] torn tail, %d bytes\n", scan.goodOffset, scan.tornBytes)
	}
	return err
}
