package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ChuLiYu/raft-jobdist/internal/jobmanager"
	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

type crawlInput struct {
	CrawlID int64 `json:"crawl_id"`
}

// crawlOutput is what a crawl worker reports. Each URL is either a string or an object
// with a priority. A missing crawl_id leaves the cursor where it was.
type crawlOutput struct {
	CrawlID *int64            `json:"crawl_id"`
	URLs    []json.RawMessage `json:"urls"`
}

type crawlURL struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type spiderInput struct {
	URL string `json:"url"`
}

// nextJob picks the job to hand out. While fewer than CrawlBelow spider jobs wait and no
// crawl job is open, a new crawl job is created and handed out first.
func (h *JobRequestHandler) nextJob(ctx context.Context, accepted []uint32) (*types.Job, error) {
	if h.needsCrawl(accepted) {
		job, err := h.enqueueCrawl(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return h.sm.NextPending(accepted), nil
}

func (h *JobRequestHandler) needsCrawl(accepted []uint32) bool {
	if h.cfg.CrawlBelow <= 0 {
		return false
	}
	if len(accepted) > 0 && !slices.Contains(accepted, methods.Crawl) {
		return false
	}
	if _, ok := h.methods.Lookup(methods.Crawl); !ok {
		return false
	}
	if _, open := h.sm.CountMethod(methods.Crawl); open > 0 {
		return false
	}
	pending, _ := h.sm.CountMethod(methods.Spider)
	return pending < h.cfg.CrawlBelow
}

// enqueueCrawl proposes a crawl job for the current cursor. A nil job means the entry
// was skipped.
func (h *JobRequestHandler) enqueueCrawl(ctx context.Context) (*types.Job, error) {
	crawlID := h.sm.CrawlID()
	input, err := json.Marshal(crawlInput{CrawlID: crawlID})
	if err != nil {
		return nil, err
	}
	id := h.newID()
	cmd, err := jobmanager.NewEnqueueCommand(jobmanager.EnqueuePayload{
		JobID:     id,
		ProjectID: crawlProject,
		AuthorID:  h.cfg.NodeID,
		MethodID:  methods.Crawl,
		Input:     input,
		// Every round is a new job even when the cursor did not move.
		IdempotencyKey: "crawl/" + string(id),
		Timestamp:      h.now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	res, err := h.propose(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		h.logger.Debug("Crawl job skipped", "reason", res.Reason)
		return nil, nil
	}
	h.metrics.RecordEnqueue()
	h.logger.Info("Crawl round started", "job_id", id, "crawl_id", crawlID, "index", res.Index)
	return res.Job, nil
}

// crawlResults turns a crawl job's output into spider jobs owned by the crawl job's
// project and author, and carries the reported cursor.
func (h *JobRequestHandler) crawlResults(job *types.Job, output []byte, ts int64, p *jobmanager.CompletePayload) error {
	var out crawlOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return fmt.Errorf("%w: crawl output: %v", types.ErrInvalidRequest, err)
	}
	p.CrawlID = out.CrawlID
	p.Spawn = make([]jobmanager.EnqueuePayload, 0, len(out.URLs))
	for i, raw := range out.URLs {
		u, err := parseCrawlURL(raw)
		if err != nil {
			return fmt.Errorf("%w: crawl output url %d: %v", types.ErrInvalidRequest, i, err)
		}
		input, err := json.Marshal(spiderInput{URL: u.URL})
		if err != nil {
			return err
		}
		if err := h.methods.Validate(methods.Spider, input); err != nil {
			return err
		}
		p.Spawn = append(p.Spawn, jobmanager.EnqueuePayload{
			JobID:          h.newID(),
			ProjectID:      job.ProjectID,
			AuthorID:       job.AuthorID,
			MethodID:       methods.Spider,
			Input:          input,
			Priority:       u.Priority,
			IdempotencyKey: jobmanager.IdempotencyKey(job.ProjectID, job.AuthorID, methods.Spider, input),
			Timestamp:      ts,
		})
	}
	return nil
}

func parseCrawlURL(raw json.RawMessage) (crawlURL, error) {
	var u crawlURL
	raw = bytes.TrimSpace(raw)
	var err error
	if len(raw) > 0 && raw[0] == '"' {
		err = json.Unmarshal(raw, &u.URL)
	} else {
		err = json.Unmarshal(raw, &u)
	}
	if err != nil {
		return u, err
	}
	if u.URL == "" {
		return u, fmt.Errorf("empty url")
	}
	return u, nil
}
