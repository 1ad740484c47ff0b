package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/raft-jobdist/internal/controller"
	"github.com/ChuLiYu/raft-jobdist/internal/handler"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Node is the part of a running node the admin surface reads.
type Node interface {
	Status() controller.NodeStatus
	Health(ctx context.Context) error
	Handler() *handler.JobRequestHandler
	IndexedJob(ctx context.Context, id types.JobID) (*types.Job, *types.FailedJob, error)
}

// NewRouter builds the admin HTTP routes
func NewRouter(node Node, m *metrics.Collector, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(logger))

	r.GET("/healthz", func(c *gin.Context) {
		if err := node.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, node.Status())
	})
	r.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, node.Handler().Workers())
	})
	r.GET("/peers", func(c *gin.Context) {
		resp, err := node.Handler().GetPeers(c.Request.Context(), &wire.GetPeersRequest{})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	jobs := r.Group("/jobs")
	{
		// GET /jobs/:job_id?source=index reads the projection instead of the state machine
		jobs.GET("/:job_id", func(c *gin.Context) {
			id := types.JobID(c.Param("job_id"))
			if c.Query("source") == "index" {
				job, failed, err := node.IndexedJob(c.Request.Context(), id)
				if err != nil {
					writeError(c, err)
					return
				}
				c.JSON(http.StatusOK, wire.GetJobStatusResponse{Job: job, Failed: failed})
				return
			}
			resp, err := node.Handler().GetJobStatus(c.Request.Context(), &wire.GetJobStatusRequest{JobID: id})
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, resp)
		})

		jobs.POST("/:job_id/cancel", func(c *gin.Context) {
			var body struct {
				Reason string `json:"reason"`
			}
			// 空 body 視為沒有原因
			if c.Request.ContentLength > 0 {
				if err := c.ShouldBindJSON(&body); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
					return
				}
			}
			resp, err := node.Handler().CancelJob(c.Request.Context(), &wire.CancelJobRequest{
				JobID: types.JobID(c.Param("job_id")), Reason: body.Reason,
			})
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, resp)
		})

		jobs.POST("/:job_id/retry", func(c *gin.Context) {
			resp, err := node.Handler().RetryJob(c.Request.Context(), &wire.RetryJobRequest{JobID: types.JobID(c.Param("job_id"))})
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, resp)
		})
	}
	return r
}

// writeError maps domain errors to HTTP status codes
func writeError(c *gin.Context, err error) {
	var nle *types.NotLeaderError
	switch {
	case errors.As(err, &nle):
		c.JSON(http.StatusMisdirectedRequest, gin.H{"error": err.Error(), "leader_id": nle.LeaderID, "leader_addr": nle.LeaderAddr})
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrUnavailable), errors.Is(err, types.ErrLeadershipLost):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// loggerMiddleware logs HTTP requests with slog
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
		)
		for _, e := range c.Errors {
			logger.Warn("Request error", slog.String("error", e.Error()))
		}
	}
}
