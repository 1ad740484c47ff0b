package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Executor runs one job and returns its output.
type Executor interface {
	Execute(ctx context.Context, job *types.Job) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *types.Job) ([]byte, error)

func (fn ExecutorFunc) Execute(ctx context.Context, job *types.Job) ([]byte, error) {
	return fn(ctx, job)
}

// Executors maps method IDs to executors. It is built once and read concurrently.
type Executors struct {
	byMethod map[uint32]Executor
}

// NewExecutors creates an empty registry.
func NewExecutors() *Executors {
	return &Executors{byMethod: make(map[uint32]Executor)}
}

// DefaultExecutors knows spider and echo, plus crawl when seed pages are given.
func DefaultExecutors(client *http.Client, crawlSeeds ...string) *Executors {
	e := NewExecutors()
	e.Register(methods.Spider, NewSpider(client))
	e.Register(methods.Echo, Echo)
	if len(crawlSeeds) > 0 {
		e.Register(methods.Crawl, NewCrawler(client, crawlSeeds))
	}
	return e
}

// Register binds methodID to ex, replacing any previous binding.
func (e *Executors) Register(methodID uint32, ex Executor) {
	e.byMethod[methodID] = ex
}

// Lookup returns the executor for methodID.
func (e *Executors) Lookup(methodID uint32) (Executor, bool) {
	ex, ok := e.byMethod[methodID]
	return ex, ok
}

// Methods lists the method IDs this registry can run, ascending.
func (e *Executors) Methods() []uint32 {
	ids := make([]uint32, 0, len(e.byMethod))
	for id := range e.byMethod {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Echo returns the job input as its output.
var Echo = ExecutorFunc(func(_ context.Context, job *types.Job) ([]byte, error) {
	return append([]byte(nil), job.Input...), nil
})

// spiderInput 與方法描述中的 spider 輸入欄位一致
type spiderInput struct {
	URL string `json:"url"`
}

type spiderOutput struct {
	Status int    `json:"status"`
	Length int64  `json:"length"`
	Type   string `json:"content_type,omitempty"`
}

// NewSpider fetches the job's URL and reports the HTTP status and body length.
func NewSpider(client *http.Client) Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return ExecutorFunc(func(ctx context.Context, job *types.Job) ([]byte, error) {
		var in spiderInput
		if err := json.Unmarshal(job.Input, &in); err != nil || in.URL == "" {
			return nil, fmt.Errorf("spider: bad input: %v", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("spider: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("spider: fetch %s: %w", in.URL, err)
		}
		defer resp.Body.Close()

		n, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			return nil, fmt.Errorf("spider: read %s: %w", in.URL, err)
		}
		return json.Marshal(spiderOutput{Status: resp.StatusCode, Length: n, Type: resp.Header.Get("Content-Type")})
	})
}

// crawl 的上限，避免單一輸出超過複製限制
const (
	maxCrawlLinks = 200
	maxCrawlBody  = 4 << 20
)

type crawlInput struct {
	CrawlID int64 `json:"crawl_id"`
}

// CrawlURL is one link a crawl round found.
type CrawlURL struct {
	URL      string `json:"url"`
	Priority int    `json:"priority,omitempty"`
}

type crawlOutput struct {
	CrawlID int64      `json:"crawl_id"`
	URLs    []CrawlURL `json:"urls"`
}

// NewCrawler fetches seeds[crawl_id mod len(seeds)] and reports the http(s) links on the
// page. Links on the seed's own host get priority 1. The reported crawl_id moves the cursor
// to the next seed.
func NewCrawler(client *http.Client, seeds []string) Executor {
	if client == nil {
		client = http.DefaultClient
	}
	seeds = append([]string(nil), seeds...)
	return ExecutorFunc(func(ctx context.Context, job *types.Job) ([]byte, error) {
		if len(seeds) == 0 {
			return nil, errors.New("crawl: no seed pages configured")
		}
		var in crawlInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("crawl: bad input: %w", err)
		}
		n := int64(len(seeds))
		page := seeds[((in.CrawlID%n)+n)%n]
		base, err := url.Parse(page)
		if err != nil {
			return nil, fmt.Errorf("crawl: seed %q: %w", page, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
		if err != nil {
			return nil, fmt.Errorf("crawl: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("crawl: fetch %s: %w", page, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("crawl: fetch %s: %s", page, resp.Status)
		}

		links, err := ExtractLinks(base, io.LimitReader(resp.Body, maxCrawlBody))
		if err != nil {
			return nil, fmt.Errorf("crawl: parse %s: %w", page, err)
		}
		return json.Marshal(crawlOutput{CrawlID: in.CrawlID + 1, URLs: links})
	})
}

// ExtractLinks returns the distinct absolute http(s) targets of the anchors in an HTML
// document, resolved against base, in document order.
func ExtractLinks(base *url.URL, r io.Reader) ([]CrawlURL, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	links := make([]CrawlURL, 0)
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(links) >= maxCrawlLinks {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				u, err := base.Parse(strings.TrimSpace(attr.Val))
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					continue
				}
				u.Fragment, u.RawFragment = "", ""
				s := u.String()
				if seen[s] {
					continue
				}
				seen[s] = true
				link := CrawlURL{URL: s}
				if u.Host == base.Host {
					link.Priority = 1
				}
				links = append(links, link)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}
