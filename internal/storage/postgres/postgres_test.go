package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

func TestRowConversion(t *testing.T) {
	job := &types.Job{
		ID: "j1", ProjectID: "p", AuthorID: "a", MethodID: 2, Priority: 3,
		Status: types.StatusFailed, Attempts: 2, Input: []byte(`{}`),
		CreatedAt: 100, UpdatedAt: 200, LastIndex: 9,
	}
	failed := &types.FailedJob{JobID: "j1", Reason: "timeout", RetryCount: 2, FailedAt: 200}

	row := toRow(job, failed)
	assert.True(t, row.FailReason.Valid)
	assert.Equal(t, int64(2), row.MethodID)

	gotJob, gotFailed := row.toJob()
	assert.Equal(t, job, gotJob)
	assert.Equal(t, failed, gotFailed)

	_, gotFailed = toRow(job, nil).toJob()
	assert.Nil(t, gotFailed)
}

// TestStore_Postgres 需要真實資料庫，未設定 JOBDIST_TEST_POSTGRES_DSN 時跳過
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("JOBDIST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBDIST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	s, err := NewStore(ctx, Config{DSN: dsn, MaxOpenConns: 2}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.HealthCheck(ctx))

	id := types.JobID("pgtest-" + t.Name())
	_, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, string(id))
	require.NoError(t, err)

	_, _, err = s.GetJob(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	job := &types.Job{ID: id, ProjectID: "p", AuthorID: "a", MethodID: 1, Status: types.StatusPending, CreatedAt: 1, UpdatedAt: 1, LastIndex: 5}
	require.NoError(t, s.PutJob(ctx, job, nil))

	done := job.Clone()
	done.Status = types.StatusCompleted
	done.LastIndex = 8
	require.NoError(t, s.PutJob(ctx, done, nil))

	// 較舊的寫入不可覆蓋較新的狀態
	require.NoError(t, s.PutJob(ctx, job, nil))

	got, _, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, int64(8), got.LastIndex)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[types.StatusCompleted], 1)
}
