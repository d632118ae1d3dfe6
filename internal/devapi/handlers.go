package devapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/idgen"
	"github.com/mbd888/bountyhub/internal/logging"
	"github.com/mbd888/bountyhub/internal/paywall"
)

// keepAlive is how often an idle progress stream gets a comment line.
const keepAlive = 15 * time.Second

type createJobRequest struct {
	// ProtocolID is the scan target; FindingID the validation target.
	ProtocolID string `json:"protocolId" binding:"omitempty,max=128"`
	FindingID  string `json:"findingId" binding:"omitempty,max=128"`
}

func (r createJobRequest) target(kind Kind) (string, error) {
	var t string
	switch kind {
	case KindValidation:
		t = strings.TrimSpace(r.FindingID)
		if t == "" {
			return "", errors.New("findingId is required")
		}
	default:
		t = strings.TrimSpace(r.ProtocolID)
		if t == "" {
			return "", errors.New("protocolId is required")
		}
	}
	return t, nil
}

type jobCreated struct {
	ResourceID string        `json:"resourceId"`
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Status     events.Status `json:"status"`
	Location   string        `json:"location"`
	StreamURL  string        `json:"streamUrl"`
}

func jobPath(kind Kind, id string) string {
	return "/api/" + string(kind) + "s/" + id
}

func (s *Server) createJob(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		target, err := req.target(kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		var payer, tx string
		if proof := paywall.GetPaymentProof(c); proof != nil {
			payer, tx = proof.Payload.From, proof.Payload.Transaction
		}
		job := s.store.Create(kind, target, payer, tx)
		loc := jobPath(kind, job.ID)
		paywall.SetResource(c, job.ID, loc)
		s.sim.Start(s.ctx, job)

		logging.L(c.Request.Context()).Info("job created", "job", job.ID, "kind", kind, "target", target)
		c.Header("Location", loc)
		c.JSON(http.StatusCreated, jobCreated{
			ResourceID: job.ID,
			ID:         job.ID,
			Kind:       kind,
			Status:     job.Status,
			Location:   loc,
			StreamURL:  loc + "/stream",
		})
	}
}

func (s *Server) lookup(c *gin.Context, kind Kind) (Job, bool) {
	id := c.Param("id")
	job, ok := s.store.Get(id)
	if !idgen.HasPrefix(id, kind.prefix()) || !ok || job.Kind != kind {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": string(kind) + " not found"})
		return Job{}, false
	}
	return job, true
}

func (s *Server) getJob(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if job, ok := s.lookup(c, kind); ok {
			c.JSON(http.StatusOK, job)
		}
	}
}

// streamJob serves a job's progress as server-sent events. Each open starts
// with a "connected" greeting, then replays lines after Last-Event-ID and
// follows new ones. The stream ends after the line carrying a terminal
// status.
func (s *Server) streamJob(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := s.lookup(c, kind)
		if !ok {
			return
		}
		after, _ := strconv.Atoi(c.GetHeader("Last-Event-ID"))

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		c.Render(-1, sse.Event{Event: "connected", Data: "Connected to " + string(kind) + " log stream"})
		c.Writer.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			lines, current, changed, _ := s.store.Since(job.ID, after)
			for _, l := range lines {
				c.Render(-1, sse.Event{Id: strconv.Itoa(l.Seq), Event: "log", Data: l})
				after = l.Seq
			}
			c.Writer.Flush()
			if current.Status.Terminal() {
				return
			}

			select {
			case <-changed:
			case <-ticker.C:
				_, _ = c.Writer.WriteString(": keep-alive\n\n")
				c.Writer.Flush()
			case <-c.Request.Context().Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}
}

type registerProtocolRequest struct {
	Name  string `json:"name" binding:"required,max=128"`
	Owner string `json:"owner" binding:"required"`
}

// registerProtocol announces a protocol on the event channel. Protocols are
// not stored; the dev API only needs them as event sources.
func (s *Server) registerProtocol(c *gin.Context) {
	var req registerProtocolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Owner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "owner must be a 0x-prefixed address"})
		return
	}

	ev := events.ProtocolEvent{
		Kind:       events.ProtocolRegistered,
		ProtocolID: idgen.WithPrefix("prt_"),
		Name:       strings.TrimSpace(req.Name),
		Status:     "ACTIVE",
		Owner:      common.HexToAddress(req.Owner).Hex(),
	}
	s.hub.PublishEvent(ev)
	c.JSON(http.StatusCreated, gin.H{
		"resourceId": ev.ProtocolID,
		"protocolId": ev.ProtocolID,
		"name":       ev.Name,
		"owner":      ev.Owner,
		"status":     ev.Status,
	})
}
