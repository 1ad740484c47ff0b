package worker

// ============================================================================
// Worker Pool / Agent Test File
// Purpose: Verify execution by method, timeout, graceful shutdown, agent protocol
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

func echoJob(id string, input string) *types.Job {
	return &types.Job{ID: types.JobID(id), MethodID: 7, Input: []byte(input)}
}

// sleepExecutor 等待 d 或 ctx 結束
func sleepExecutor(d time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, job *types.Job) ([]byte, error) {
		select {
		case <-time.After(d):
			return []byte("slept"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// ============================================================================
// Pool
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, DefaultExecutors(nil))

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4), "second start")
	pool.Stop()

	assert.Error(t, NewPool(1, nil).Start(0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, DefaultExecutors(nil))
	require.NoError(t, pool.Start(2))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{Job: echoJob(fmt.Sprintf("task-%d", i), fmt.Sprintf("in-%d", i)), Timeout: time.Second}))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}
	pool.Stop()

	require.Len(t, results, taskCount)
	for i := 0; i < taskCount; i++ {
		r := results[types.JobID(fmt.Sprintf("task-%d", i))]
		assert.True(t, r.Success)
		assert.Equal(t, fmt.Sprintf("in-%d", i), string(r.Output))
	}
}

func TestTimeout(t *testing.T) {
	execs := NewExecutors()
	execs.Register(9, sleepExecutor(time.Second))
	pool := NewPool(1, execs)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Job: &types.Job{ID: "slow", MethodID: 9}, Timeout: 20 * time.Millisecond}))
	r, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, context.DeadlineExceeded)
	assert.Nil(t, r.Output)
	assert.Less(t, r.Duration, 500*time.Millisecond)
}

func TestTaskContextCancellation(t *testing.T) {
	execs := NewExecutors()
	execs.Register(9, sleepExecutor(time.Minute))
	pool := NewPool(1, execs)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Submit(Task{Job: &types.Job{ID: "abandoned", MethodID: 9}, Context: ctx}))
	cancel()

	r, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, r.Error, context.Canceled)
}

func TestUnknownMethodAndPanic(t *testing.T) {
	execs := NewExecutors()
	execs.Register(3, ExecutorFunc(func(context.Context, *types.Job) ([]byte, error) {
		panic("boom")
	}))
	pool := NewPool(2, execs)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Job: &types.Job{ID: "a", MethodID: 42}}))
	require.NoError(t, pool.Submit(Task{Job: &types.Job{ID: "b", MethodID: 3}}))

	for i := 0; i < 2; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.False(t, r.Success)
		switch r.JobID {
		case "a":
			assert.Contains(t, r.Error.Error(), "no executor for method 42")
		case "b":
			assert.Contains(t, r.Error.Error(), "panic")
		}
	}
}

func TestGracefulShutdown(t *testing.T) {
	execs := NewExecutors()
	execs.Register(9, sleepExecutor(50*time.Millisecond))
	pool := NewPool(10, execs)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(Task{Job: &types.Job{ID: types.JobID(fmt.Sprint(i)), MethodID: 9}}))
	}

	var got []Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			r, err := pool.ReceiveResult()
			if err != nil {
				return
			}
			got = append(got, r)
		}
	}()

	pool.Stop()
	<-done

	// 已提交的任務在 Stop 後仍完成並交出結果
	assert.Len(t, got, 4)
	for _, r := range got {
		assert.True(t, r.Success)
	}
}

func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool := NewPool(1, nil)
	assert.ErrorIs(t, pool.Submit(Task{Job: echoJob("x", "")}), ErrPoolNotStarted)

	pool.Stop() // not started: no-op

	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(Task{Job: echoJob("x", "")}), ErrPoolClosed)

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentSubmitAndStop(t *testing.T) {
	pool := NewPool(4, DefaultExecutors(nil))
	require.NoError(t, pool.Start(2))

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := pool.Submit(Task{Job: echoJob(fmt.Sprintf("%d-%d", g, i), "x")})
				if err != nil {
					assert.ErrorIs(t, err, ErrPoolClosed)
					return
				}
			}
		}(g)
	}
	time.Sleep(5 * time.Millisecond)
	pool.Stop()
	wg.Wait()
}

// ============================================================================
// Executors
// ============================================================================

func TestExecutors(t *testing.T) {
	execs := DefaultExecutors(nil)
	assert.Equal(t, []uint32{1, 7}, execs.Methods())

	_, ok := execs.Lookup(2)
	assert.False(t, ok)

	out, err := Echo.Execute(context.Background(), echoJob("e", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestSpider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "0123456789")
	}))
	defer srv.Close()

	spider := NewSpider(srv.Client())
	ctx := context.Background()

	out, err := spider.Execute(ctx, &types.Job{MethodID: 1, Input: []byte(`{"url":"` + srv.URL + `/page"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"length":10,"content_type":"text/plain"}`, string(out))

	out, err = spider.Execute(ctx, &types.Job{MethodID: 1, Input: []byte(`{"url":"` + srv.URL + `/missing"}`)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"status":404`)

	_, err = spider.Execute(ctx, &types.Job{MethodID: 1, Input: []byte(`{}`)})
	assert.Error(t, err)
}

func TestExtractLinks(t *testing.T) {
	base, err := url.Parse("http://example.com/dir/index.html")
	require.NoError(t, err)
	page := `<html><body>
		<a href="/a">a</a>
		<a href="b.html#top">b</a>
		<a href="http://other.org/c">c</a>
		<a href="/a">again</a>
		<a href="mailto:x@example.com">mail</a>
		<a>no href</a>
	</body></html>`

	links, err := ExtractLinks(base, strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, []CrawlURL{
		{URL: "http://example.com/a", Priority: 1},
		{URL: "http://example.com/dir/b.html", Priority: 1},
		{URL: "http://other.org/c"},
	}, links)

	links, err = ExtractLinks(base, strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)
}

func TestCrawler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/one":
			fmt.Fprint(w, `<a href="/x">x</a><a href="/y">y</a>`)
		case "/two":
			fmt.Fprint(w, `<p>nothing here</p>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	crawler := NewCrawler(srv.Client(), []string{srv.URL + "/one", srv.URL + "/two"})
	ctx := context.Background()

	out, err := crawler.Execute(ctx, &types.Job{MethodID: 2, Input: []byte(`{"crawl_id":2}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"crawl_id":3,"urls":[{"url":"`+srv.URL+`/x","priority":1},{"url":"`+srv.URL+`/y","priority":1}]}`, string(out))

	// 游標輪替到下一個種子頁
	out, err = crawler.Execute(ctx, &types.Job{MethodID: 2, Input: []byte(`{"crawl_id":3}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"crawl_id":4,"urls":[]}`, string(out))

	_, err = NewCrawler(srv.Client(), []string{srv.URL + "/gone"}).Execute(ctx, &types.Job{MethodID: 2, Input: []byte(`{"crawl_id":0}`)})
	assert.Error(t, err)

	_, err = crawler.Execute(ctx, &types.Job{MethodID: 2, Input: []byte(`not json`)})
	assert.Error(t, err)
}

// ============================================================================
// Agent
// ============================================================================

// fakeSource 在記憶體中模擬協調者
type fakeSource struct {
	mu        sync.Mutex
	pending   []*types.Job
	held      map[types.JobID]string
	finished  map[types.JobID]Result
	updates   map[types.JobID]int
	revoked   map[types.JobID]bool
	pollErr   error
	lastPoll  []uint32
	pollCount int
	maxOutput int // 成功輸出超過此長度時以 ErrInvalidRequest 拒絕
}

func newFakeSource(jobs ...*types.Job) *fakeSource {
	return &fakeSource{
		pending:  jobs,
		held:     make(map[types.JobID]string),
		finished: make(map[types.JobID]Result),
		updates:  make(map[types.JobID]int),
		revoked:  make(map[types.JobID]bool),
	}
}

func (s *fakeSource) GetJob(_ context.Context, workerID string, methods []uint32) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCount++
	s.lastPoll = methods
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	s.held[job.ID] = workerID
	return job, nil
}

func (s *fakeSource) UpdateJob(_ context.Context, id types.JobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[id] || s.held[id] != workerID {
		return ErrRejected
	}
	s.updates[id]++
	return nil
}

func (s *fakeSource) FinishJob(_ context.Context, workerID string, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[res.JobID] || s.held[res.JobID] != workerID {
		return ErrRejected
	}
	if res.Success && s.maxOutput > 0 && len(res.Output) > s.maxOutput {
		return fmt.Errorf("%w: output too large", types.ErrInvalidRequest)
	}
	delete(s.held, res.JobID)
	s.finished[res.JobID] = res
	return nil
}

func (s *fakeSource) finishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finished)
}

func TestAgent_RunsAndReportsJobs(t *testing.T) {
	src := newFakeSource(echoJob("a", "1"), echoJob("b", "2"), echoJob("c", "3"))
	agent := NewAgent(AgentConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond}, src, DefaultExecutors(nil))
	assert.NotEmpty(t, agent.ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool { return src.finishedCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, "2", string(src.finished["b"].Output))
	assert.Equal(t, []uint32{1, 7}, src.lastPoll)
	assert.Equal(t, []uint32{1, 2, 7}, DefaultExecutors(nil, "http://seed").Methods())

	st := agent.Stats()
	assert.Equal(t, 3, st.Finished)
	assert.Zero(t, st.InFlight)
}

func TestAgent_HeartbeatsAndAbandonsRevokedJobs(t *testing.T) {
	execs := NewExecutors()
	execs.Register(9, sleepExecutor(time.Minute))
	src := newFakeSource(&types.Job{ID: "long", MethodID: 9})
	agent := NewAgent(AgentConfig{
		WorkerID:          "w-test",
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, src, execs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.updates["long"] >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// 協調者將任務收回：下一次心跳被拒絕，執行被取消，結果回報也被拒絕
	src.mu.Lock()
	src.revoked["long"] = true
	src.mu.Unlock()

	require.Eventually(t, func() bool {
		st := agent.Stats()
		return st.Rejected == 1 && st.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAgent_FailsJobWhoseOutputIsRefused(t *testing.T) {
	src := newFakeSource(echoJob("big", strings.Repeat("x", 64)), echoJob("small", "ok"))
	src.maxOutput = 32
	agent := NewAgent(AgentConfig{PollInterval: 2 * time.Millisecond}, src, DefaultExecutors(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool { return src.finishedCount() == 2 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	src.mu.Lock()
	defer src.mu.Unlock()
	big := src.finished["big"]
	assert.False(t, big.Success)
	assert.Nil(t, big.Output)
	require.Error(t, big.Error)
	assert.ErrorIs(t, big.Error, types.ErrInvalidRequest)
	assert.True(t, src.finished["small"].Success)
}

func TestAgent_KeepsPollingAfterErrors(t *testing.T) {
	src := newFakeSource()
	src.pollErr = errors.New("leader unknown")
	agent := NewAgent(AgentConfig{PollInterval: 2 * time.Millisecond}, src, DefaultExecutors(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.pollCount >= 3
	}, time.Second, time.Millisecond)

	src.mu.Lock()
	src.pollErr = nil
	src.pending = append(src.pending, echoJob("late", "x"))
	src.mu.Unlock()

	require.Eventually(t, func() bool { return src.finishedCount() == 1 }, time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
