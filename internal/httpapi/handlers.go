package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"livepoll/internal/intake"
	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

type voteRequest struct {
	PollID    string        `json:"pollId"`
	SessionID string        `json:"sessionId"`
	Answers   []poll.Answer `json:"answers"`
}

func (s *Server) submitVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := s.d.Votes.Submit(c.Request.Context(), intake.SubmitRequest{
		PollID:    req.PollID,
		SessionID: req.SessionID,
		Answers:   req.Answers,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Vote submitted successfully",
		"voteId":  id,
	})
}

func (s *Server) checkVote(c *gin.Context) {
	voted, err := s.d.Votes.HasVoted(c.Request.Context(), c.Param("pollId"), c.Param("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "hasVoted": voted})
}

// liveResults serves the current aggregate to audience clients, but only
// for polls that publish results while running.
func (s *Server) liveResults(c *gin.Context) {
	p, err := s.d.Polls.GetPollByJoinCode(c.Request.Context(), poll.NormalizeJoinCode(c.Param("joinCode")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !p.Settings.ShowResultsLive {
		fail(c, http.StatusForbidden, "Live results are not enabled for this poll")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  p.Status,
		"results": p.Results(),
	})
}

// pollReport is the organizer's breakdown, tallied from the stored votes so
// it includes text answers and votes still waiting for aggregation.
func (s *Server) pollReport(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.d.Polls.GetPoll(ctx, c.Param("pollId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	votes, err := s.d.Records.ListVotes(ctx, p.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": poll.BuildReport(p, votes)})
}

func (s *Server) health(c *gin.Context) {
	if s.d.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.d.Ping(ctx); err != nil {
			s.log.Warn("health check failed", logx.Err(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) lifecycle(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			p   *poll.Poll
			err error
		)
		ctx, id := c.Request.Context(), c.Param("id")
		switch action {
		case "start":
			p, err = s.d.Lifecycle.Start(ctx, id)
		case "pause":
			p, err = s.d.Lifecycle.Pause(ctx, id)
		default:
			p, err = s.d.Lifecycle.End(ctx, id)
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "poll": p})
	}
}

func (s *Server) queueStats(c *gin.Context) {
	st, err := s.d.Queue.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := gin.H{"success": true, "queue": st}
	if s.d.Monitor != nil {
		out["events"] = s.d.Monitor.Snapshot()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) queueFailed(c *gin.Context) {
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	jobs, err := s.d.Queue.Failed(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "jobs": jobs})
}

func (s *Server) queueRetry(c *gin.Context) {
	id := c.Param("id")
	if err := s.d.Queue.Retry(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info("failed job requeued", logx.String("job", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "jobId": id})
}

func (s *Server) runtime(c *gin.Context) {
	out := gin.H{"success": true}
	if s.d.Runtime != nil {
		out["runtime"] = s.d.Runtime()
	}
	if s.d.Hub != nil {
		out["realtime"] = s.d.Hub.Stats()
	}
	c.JSON(http.StatusOK, out)
}
