package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

// ssePollInterval is how often a follower re-reads the job store.
const ssePollInterval = 500 * time.Millisecond

type provisionRequest struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Location string `json:"location"`
}

// admit runs the shared intake pipeline: validation, capacity check and
// duplicate check. Returns the normalized name/version or an HTTP error
// already written to the response.
func (s *Server) admit(c *gin.Context, req provisionRequest) (name, version string, ok bool) {
	if req.Name == "" {
		detail(c, http.StatusBadRequest, "Nome obrigatório")
		return "", "", false
	}

	name, err := instance.ValidateName(req.Name)
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return "", "", false
	}

	if req.Version == "" {
		req.Version = "latest"
	}
	version, err = instance.ValidateVersion(req.Version)
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return "", "", false
	}

	ctx := c.Request.Context()
	report, err := s.inst.Capacity(ctx)
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return "", "", false
	}
	if !report.CanCreate {
		detail(c, http.StatusConflict, fmt.Sprintf("VPS sem recursos. %d/%d instâncias ativas.",
			report.ActiveInstances, report.MaxInstances))
		return "", "", false
	}

	exists, err := s.inst.Exists(ctx, name)
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return "", "", false
	}
	if exists {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Instância '%s' já existe", name))
		return "", "", false
	}

	return name, version, true
}

// enqueueInstance validates and queues a provisioning job, returning the
// job id for followers.
func (s *Server) enqueueInstance(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "Nome obrigatório")
		return
	}

	name, version, ok := s.admit(c, req)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	jobID := uuid.NewString()
	if err := s.jobs.Init(ctx, jobID); err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	payload := queue.JobPayload{JobID: jobID, Name: name, Version: version, Location: req.Location}
	if err := s.pub.Publish(ctx, payload); err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Str("job_id", jobID).Str("instance", name).Msg("Provisioning job enqueued")
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "name": name})
}

// jobEvents returns the incremental event log for a job. Followers pass
// next_index back as since to read only what is new.
func (s *Server) jobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")
	since, _ := strconv.Atoi(c.DefaultQuery("since", "0"))
	if since < 0 {
		since = 0
	}

	state, err := s.jobs.GetState(ctx, jobID)
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if state == jobstore.StateUnknown {
		detail(c, http.StatusNotFound, "Job perdido ou expirado")
		return
	}

	events, err := s.jobs.Since(ctx, jobID, since)
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if state.Terminal() {
		_ = s.jobs.Shorten(ctx, jobID)
	}

	c.JSON(http.StatusOK, gin.H{
		"state":      state,
		"events":     events,
		"next_index": since + len(events),
	})
}

// createInstance provisions synchronously, without the queue. The caller
// gets the container back as soon as it starts; readiness is not awaited.
func (s *Server) createInstance(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "Nome obrigatório")
		return
	}

	name, version, ok := s.admit(c, req)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	encryptionKey := instance.GenerateEncryptionKey()
	ct, err := s.inst.Create(ctx, name, version, encryptionKey, "")
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id":      name,
		"url":              s.inst.Projection().URL(name),
		"status":           ct.Status,
		"location":         instance.DefaultLocation,
		"container_status": "running",
	})
}

// createInstanceStream enqueues a job and follows it over SSE, one JSON
// frame per event. Intake failures become a single error frame.
func (s *Server) createInstanceStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	metrics.SSEFollowers.Inc()
	defer metrics.SSEFollowers.Dec()

	ctx := c.Request.Context()
	req := provisionRequest{
		Name:     c.Query("name"),
		Version:  c.DefaultQuery("version", "latest"),
		Location: c.DefaultQuery("location", instance.DefaultLocation),
	}

	name, version, errMsg := s.admitStream(ctx, req)
	if errMsg != "" {
		s.sseSend(c, jobstore.Event{Status: "error", Message: errMsg})
		return
	}

	jobID := uuid.NewString()
	if err := s.jobs.Init(ctx, jobID); err != nil {
		s.sseSend(c, jobstore.Event{Status: "error", Message: err.Error()})
		return
	}
	payload := queue.JobPayload{JobID: jobID, Name: name, Version: version, Location: req.Location}
	if err := s.pub.Publish(ctx, payload); err != nil {
		s.sseSend(c, jobstore.Event{Status: "error", Message: err.Error()})
		return
	}

	s.follow(c, jobID)
}

// admitStream mirrors admit but returns the failure as a message for the
// SSE error frame instead of writing an HTTP status.
func (s *Server) admitStream(ctx context.Context, req provisionRequest) (name, version, errMsg string) {
	if req.Name == "" {
		return "", "", "Nome obrigatório"
	}
	name, err := instance.ValidateName(req.Name)
	if err != nil {
		return "", "", err.Error()
	}
	version, err = instance.ValidateVersion(req.Version)
	if err != nil {
		return "", "", err.Error()
	}

	report, err := s.inst.Capacity(ctx)
	if err != nil {
		return "", "", err.Error()
	}
	if !report.CanCreate {
		return "", "", fmt.Sprintf("VPS sem recursos. %d/%d instâncias ativas.",
			report.ActiveInstances, report.MaxInstances)
	}

	exists, err := s.inst.Exists(ctx, name)
	if err != nil {
		return "", "", err.Error()
	}
	if exists {
		return "", "", fmt.Sprintf("Instância '%s' já existe", name)
	}
	return name, version, ""
}

// follow streams job events until a terminal event, the wall-clock cap or
// client disconnect. The worker is unaffected by a follower leaving.
func (s *Server) follow(c *gin.Context, jobID string) {
	ctx := c.Request.Context()
	deadline := time.After(s.cfg.SSEMaxDuration)
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	index := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			s.sseSend(c, jobstore.Event{Status: "error", Message: "Tempo máximo de acompanhamento excedido"})
			return
		case <-ticker.C:
		}

		state, err := s.jobs.GetState(ctx, jobID)
		if err != nil {
			continue
		}
		if state == jobstore.StateUnknown {
			s.sseSend(c, jobstore.Event{Status: "error", Message: "Job perdido ou expirado"})
			return
		}

		events, err := s.jobs.Since(ctx, jobID, index)
		if err != nil {
			continue
		}
		index += len(events)

		for _, ev := range events {
			if !s.sseSend(c, ev) {
				return
			}
			if ev.Terminal() {
				_ = s.jobs.Shorten(ctx, jobID)
				return
			}
		}
	}
}

// sseSend writes one event as an SSE data frame and flushes it.
func (s *Server) sseSend(c *gin.Context, ev jobstore.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (s *Server) deleteInstance(c *gin.Context) {
	name := c.Param("name")
	err := s.inst.Remove(c.Request.Context(), name)
	if err != nil {
		if runtime.IsNotFound(err) {
			detail(c, http.StatusNotFound, fmt.Sprintf("Instância '%s' não encontrada", name))
			return
		}
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Instância excluída com sucesso", "instance_id": name})
}
