package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 append-only 檔案保存 Raft 日誌（實作 raft.Storage）
// 2. 截斷以「截斷記錄」表示，不就地改寫
// 3. 開啟時重放全部記錄，移除寫到一半的尾端，必要時壓縮檔案
// 4. term / votedFor 以原子替換（temp file + rename）保存
//
// 檔案配置（dir 下）：
//   raft.wal   - [u32 長度][u32 CRC32-C][protowire 記錄] 連續排列
//   raft.meta  - [u32 CRC32-C][protowire term/vote]
// ============================================================================

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
)

const (
	logFileName  = "raft.wal"
	metaFileName = "raft.meta"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 選項
type Options struct {
	// NoSync 跳過 fsync，只適合測試
	NoSync bool
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu       sync.Mutex    // 保護並發寫入
	file     FileInterface // WAL 檔案
	dir      string
	path     string
	metaPath string
	noSync   bool

	entries  []raft.LogEntry // entries[i].Index == i+1
	term     int64
	votedFor string

	closed bool
	broken error // 寫入失敗後拒絕再寫，避免在殘缺記錄後追加
	buf    []byte
	logger *slog.Logger
}

var _ raft.Storage = (*WAL)(nil)

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟 dir 下的 WAL

行為：
- 目錄不存在時建立
- 重放 raft.wal，重建記憶體中的日誌
- 檔尾殘缺的記錄（崩潰時寫到一半）被截掉
- 若曾出現截斷記錄，重寫為只含存活項目的緊湊檔案
*/
func Open(dir string, opts Options) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &WAL{
		dir:      dir,
		path:     filepath.Join(dir, logFileName),
		metaPath: filepath.Join(dir, metaFileName),
		noSync:   opts.NoSync,
		logger:   slog.With("component", "wal", "dir", dir),
	}

	if err := w.loadMeta(); err != nil {
		return nil, err
	}

	scan, err := scanFile(w.path)
	if err != nil {
		return nil, err
	}
	entries, err := replay(scan.records, scan.offsets)
	if err != nil {
		return nil, err
	}
	w.entries = entries

	switch {
	case scan.truncations > 0:
		if err := w.rewrite(); err != nil {
			return nil, err
		}
		w.logger.Info("WAL compacted", "entries", len(entries), "truncations", scan.truncations)
	case scan.tornBytes > 0:
		if err := os.Truncate(w.path, scan.goodOffset); err != nil {
			return nil, fmt.Errorf("wal: drop torn tail: %w", err)
		}
		w.logger.Warn("Dropped torn WAL tail", "bytes", scan.tornBytes, "offset", scan.goodOffset)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	w.file = file

	w.logger.Info("WAL opened", "entries", len(entries), "term", w.term, "voted_for", w.votedFor)
	return w, nil
}

// AppendLog 追加日誌項並同步到磁碟
func (w *WAL) AppendLog(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}

	next := int64(len(w.entries)) + 1
	w.buf = w.buf[:0]
	for i, e := range entries {
		if e.Index != next+int64(i) {
			return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, e.Index, next+int64(i))
		}
		w.buf = appendFrame(w.buf, entryRecord(e))
	}

	if err := w.writeLocked(w.buf); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Command != nil {
			e.Command = append([]byte(nil), e.Command...)
		}
		w.entries = append(w.entries, e)
	}
	return nil
}

// ReadLog 回傳 Index >= fromIndex 的所有日誌項
func (w *WAL) ReadLog(fromIndex int64) ([]raft.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWALClosed
	}
	if fromIndex < 1 {
		fromIndex = 1
	}
	if fromIndex > int64(len(w.entries)) {
		return nil, nil
	}
	out := make([]raft.LogEntry, 0, int64(len(w.entries))-fromIndex+1)
	for _, e := range w.entries[fromIndex-1:] {
		if e.Command != nil {
			e.Command = append([]byte(nil), e.Command...)
		}
		out = append(out, e)
	}
	return out, nil
}

// TruncateLog 移除 Index >= fromIndex 的所有日誌項
func (w *WAL) TruncateLog(fromIndex int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	if fromIndex < 1 {
		fromIndex = 1
	}
	if fromIndex > int64(len(w.entries)) {
		return nil
	}

	w.buf = appendFrame(w.buf[:0], Record{Kind: RecordTruncate, Index: fromIndex})
	if err := w.writeLocked(w.buf); err != nil {
		return err
	}
	w.entries = w.entries[:fromIndex-1]
	return nil
}

// SaveTermAndVote 原子性保存 term 與 votedFor
func (w *WAL) SaveTermAndVote(term int64, votedFor string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	meta := marshalMeta(term, votedFor)
	data := make([]byte, 4, 4+len(meta))
	binary.BigEndian.PutUint32(data, CalculateChecksum(meta))
	data = append(data, meta...)

	if err := writeFileAtomic(w.metaPath, data, !w.noSync); err != nil {
		return fmt.Errorf("wal: save term and vote: %w", err)
	}
	w.term = term
	w.votedFor = votedFor
	return nil
}

// LoadTermAndVote 回傳最後保存的 term 與 votedFor
func (w *WAL) LoadTermAndVote() (int64, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, "", ErrWALClosed
	}
	return w.term, w.votedFor, nil
}

// LastIndex 回傳最後一個日誌項的索引
func (w *WAL) LastIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.entries))
}

// Close 關閉 WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	// 決定：關閉後的 WAL 實例不可重用，Close 後即失效。
	return w.file.Close()
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

func (w *WAL) writable() error {
	if w.closed {
		return ErrWALClosed
	}
	if w.broken != nil {
		return fmt.Errorf("wal: refusing writes after earlier failure: %w", w.broken)
	}
	return nil
}

// writeLocked 寫入並同步，假設調用者已經持有 w.mu 鎖
func (w *WAL) writeLocked(b []byte) error {
	if _, err := w.file.Write(b); err != nil {
		w.broken = err
		return fmt.Errorf("wal: write: %w", err)
	}
	if w.noSync {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.broken = err
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// rewrite 以目前的日誌內容重寫檔案（temp file + rename）
func (w *WAL) rewrite() error {
	var buf []byte
	for _, e := range w.entries {
		buf = appendFrame(buf, entryRecord(e))
	}
	if err := writeFileAtomic(w.path, buf, !w.noSync); err != nil {
		return fmt.Errorf("wal: rewrite: %w", err)
	}
	return nil
}

func (w *WAL) loadMeta() error {
	data, err := os.ReadFile(w.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: read meta: %w", err)
	}
	if len(data) < 4 {
		return &CorruptionError{Cause: fmt.Errorf("%w: meta file of %d bytes", ErrCorruptedWAL, len(data))}
	}
	sum := binary.BigEndian.Uint32(data[:4])
	if !VerifyChecksum(data[4:], sum) {
		return &ChecksumError{Expected: sum, Actual: CalculateChecksum(data[4:])}
	}
	term, vote, err := unmarshalMeta(data[4:])
	if err != nil {
		return &CorruptionError{Cause: fmt.Errorf("%w: meta: %v", ErrCorruptedWAL, err)}
	}
	w.term, w.votedFor = term, vote
	return nil
}

// scanResult 掃描 WAL 檔案的結果
type scanResult struct {
	records     []Record
	offsets     []int64
	truncations int
	goodOffset  int64 // 最後一筆完整記錄之後的位置
	tornBytes   int64 // 檔尾殘缺的位元組數
}

// scanFile 讀取檔案中所有完整記錄
//
// 殘缺或校驗失敗的記錄若延伸到檔尾，視為崩潰時未寫完的尾端；
// 若其後仍有資料，則是中段損壞，回傳錯誤。
func scanFile(path string) (*scanResult, error) {
	res := &scanResult{}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	size := stat.Size()
	r := bufio.NewReaderSize(f, 256<<10)

	var offset int64
	var hdr [frameHeaderSize]byte
	for offset < size {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break // torn header
		}
		n := int64(binary.BigEndian.Uint32(hdr[0:4]))
		sum := binary.BigEndian.Uint32(hdr[4:8])
		end := offset + frameHeaderSize + n
		if end > size {
			break // torn payload
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if !VerifyChecksum(payload, sum) {
			if end == size {
				break
			}
			return nil, &CorruptionError{Offset: offset, Cause: &ChecksumError{Offset: offset, Expected: sum, Actual: CalculateChecksum(payload)}}
		}
		rec, err := unmarshalRecord(payload)
		if err != nil {
			return nil, &CorruptionError{Offset: offset, Cause: fmt.Errorf("%w: %v", ErrCorruptedWAL, err)}
		}
		if rec.Kind == RecordTruncate {
			res.truncations++
		}
		res.records = append(res.records, rec)
		res.offsets = append(res.offsets, offset)
		offset = end
	}

	res.goodOffset = offset
	res.tornBytes = size - offset
	return res, nil
}

// replay 依序套用記錄，重建日誌
func replay(records []Record, offsets []int64) ([]raft.LogEntry, error) {
	var entries []raft.LogEntry
	for i, rec := range records {
		switch rec.Kind {
		case RecordEntry:
			if rec.Index != int64(len(entries))+1 {
				return nil, &CorruptionError{
					Index:  rec.Index,
					Offset: offsets[i],
					Cause:  fmt.Errorf("%w: entry index %d after %d", ErrCorruptedWAL, rec.Index, len(entries)),
				}
			}
			entries = append(entries, rec.entry())
		case RecordTruncate:
			if rec.Index >= 1 && rec.Index <= int64(len(entries)) {
				entries = entries[:rec.Index-1]
			}
		}
	}
	return entries, nil
}

// writeFileAtomic 寫入臨時檔並 rename，sync 時同時同步目錄
func writeFileAtomic(path string, data []byte, sync bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if sync {
		if d, err := os.Open(filepath.Dir(path)); err == nil {
			_ = d.Sync()
			d.Close()
		}
	}
	return nil
}
