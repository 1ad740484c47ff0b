package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
)

func entries(from, to, term int64) []raft.LogEntry {
	var out []raft.LogEntry
	for i := from; i <= to; i++ {
		out = append(out, raft.LogEntry{Index: i, Term: term, Type: raft.EntryCommand, Command: []byte{byte(i), 'x'}})
	}
	return out
}

func openTest(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, Options{})
	require.NoError(t, err)
	return w
}

func TestWAL_AppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)

	require.NoError(t, w.AppendLog([]raft.LogEntry{{Index: 1, Term: 1, Type: raft.EntryNoOp}}))
	require.NoError(t, w.AppendLog(entries(2, 5, 1)))
	require.NoError(t, w.Close())

	w = openTest(t, dir)
	defer w.Close()

	got, err := w.ReadLog(1)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, raft.EntryNoOp, got[0].Type)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Index)
	}
	assert.Equal(t, []byte{5, 'x'}, got[4].Command)
	assert.Equal(t, int64(5), w.LastIndex())

	tail, err := w.ReadLog(4)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	none, err := w.ReadLog(9)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWAL_AppendOutOfOrder(t *testing.T) {
	w := openTest(t, t.TempDir())
	defer w.Close()

	require.NoError(t, w.AppendLog(entries(1, 2, 1)))
	err := w.AppendLog(entries(4, 4, 1))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, int64(2), w.LastIndex())
}

func TestWAL_ReadLogReturnsCopies(t *testing.T) {
	w := openTest(t, t.TempDir())
	defer w.Close()

	require.NoError(t, w.AppendLog(entries(1, 1, 1)))
	got, err := w.ReadLog(1)
	require.NoError(t, err)
	got[0].Command[0] = 99

	again, err := w.ReadLog(1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), again[0].Command[0])
}

func TestWAL_TruncateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)

	require.NoError(t, w.AppendLog(entries(1, 5, 1)))
	require.NoError(t, w.TruncateLog(3))
	require.NoError(t, w.AppendLog(entries(3, 4, 2)))
	require.NoError(t, w.Close())

	stats, err := GetWALStats(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Truncations)
	assert.Equal(t, 4, stats.Entries)

	w = openTest(t, dir)
	got, err := w.ReadLog(1)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, int64(1), got[1].Term)
	assert.Equal(t, int64(2), got[2].Term)
	assert.Equal(t, int64(2), got[3].Term)
	require.NoError(t, w.Close())

	// 重新開啟時已壓縮，不再有截斷記錄
	stats, err = GetWALStats(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Truncations)
	assert.Equal(t, 4, stats.Records)
	assert.Equal(t, int64(4), stats.LastIndex)
	assert.Equal(t, int64(2), stats.LastTerm)
}

func TestWAL_TruncateBeyondEndIsNoop(t *testing.T) {
	w := openTest(t, t.TempDir())
	defer w.Close()

	require.NoError(t, w.AppendLog(entries(1, 2, 1)))
	require.NoError(t, w.TruncateLog(10))
	assert.Equal(t, int64(2), w.LastIndex())
}

func TestWAL_TornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)
	require.NoError(t, w.AppendLog(entries(1, 3, 1)))
	require.NoError(t, w.Close())

	// 模擬崩潰：最後一筆記錄只寫了一半
	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	stats, err := GetWALStats(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.TornBytes, int64(0))

	w = openTest(t, dir)
	assert.Equal(t, int64(2), w.LastIndex())

	// 尾端已清除，後續追加可正常重放
	require.NoError(t, w.AppendLog(entries(3, 4, 2)))
	require.NoError(t, w.Close())

	w = openTest(t, dir)
	defer w.Close()
	got, err := w.ReadLog(1)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, int64(2), got[3].Term)
}

func TestWAL_CorruptionInMiddleIsReported(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)
	require.NoError(t, w.AppendLog(entries(1, 3, 1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[frameHeaderSize+1] ^= 0xff // 第一筆記錄內容
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(0), ce.Offset)
}

func TestWAL_TermAndVote(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)

	term, vote, err := w.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, int64(0), term)
	assert.Empty(t, vote)

	require.NoError(t, w.SaveTermAndVote(3, "n2"))
	require.NoError(t, w.SaveTermAndVote(4, ""))
	require.NoError(t, w.Close())

	w = openTest(t, dir)
	defer w.Close()
	term, vote, err = w.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, int64(4), term)
	assert.Empty(t, vote)

	_, err = os.Stat(filepath.Join(dir, metaFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestWAL_CorruptedMetaRejected(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)
	require.NoError(t, w.SaveTermAndVote(7, "n1"))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, metaFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, Options{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// failingFile 模擬磁碟錯誤
type failingFile struct {
	writeErr error
	syncErr  error
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(p), nil
}
func (f *failingFile) Sync() error  { return f.syncErr }
func (f *failingFile) Close() error { return nil }

func TestWAL_SyncFailureBlocksFurtherWrites(t *testing.T) {
	w := openTest(t, t.TempDir())
	real := w.file
	defer real.Close()

	w.file = &failingFile{syncErr: errors.New("disk gone")}
	err := w.AppendLog(entries(1, 1, 1))
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.Equal(t, int64(0), w.LastIndex())

	w.file = &failingFile{}
	err = w.AppendLog(entries(1, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing writes")
}

func TestWAL_Closed(t *testing.T) {
	w := openTest(t, t.TempDir())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.AppendLog(entries(1, 1, 1)), ErrWALClosed)
	assert.ErrorIs(t, w.TruncateLog(1), ErrWALClosed)
	assert.ErrorIs(t, w.SaveTermAndVote(1, "x"), ErrWALClosed)
	_, err := w.ReadLog(1)
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestDumpWAL(t *testing.T) {
	dir := t.TempDir()
	w := openTest(t, dir)
	require.NoError(t, w.AppendLog([]raft.LogEntry{{Index: 1, Term: 1, Type: raft.EntryNoOp}}))
	require.NoError(t, w.AppendLog(entries(2, 3, 1)))
	require.NoError(t, w.TruncateLog(3))
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(dir, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "ENTRY index=1 term=1 noop")
	assert.Contains(t, lines[1], "cmd=2B")
	assert.Contains(t, lines[3], "TRUNCATE from=3")
}

func TestRecordEncoding(t *testing.T) {
	rec := Record{Kind: RecordEntry, Index: 42, Term: 7, Type: raft.EntryCommand, Command: []byte("payload")}
	got, err := unmarshalRecord(rec.marshal(nil))
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = unmarshalRecord([]byte{0x08, 0x09})
	assert.Error(t, err)
}
