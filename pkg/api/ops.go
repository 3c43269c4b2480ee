package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

const maxLogTail = 200

type versionRequest struct {
	Version string `json:"version"`
}

func (s *Server) instanceStatus(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	ct, err := s.inst.Get(ctx, name)
	if err != nil {
		s.instanceError(c, err)
		return
	}
	status, err := s.inst.Status(ctx, name)
	if err != nil {
		s.instanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id": name,
		"status":      status.Status,
		"url":         s.inst.Projection().URL(name),
		"location":    instance.DefaultLocation,
		"version":     ct.ImageTag(),
		"uptime":      status.StartedAt,
		"memory": gin.H{
			"usage_mb": round1(status.MemUsageMB),
			"limit_mb": round1(status.MemLimitMB),
		},
	})
}

func (s *Server) restartInstance(c *gin.Context) {
	name := c.Param("name")
	if err := s.inst.Restart(c.Request.Context(), name); err != nil {
		s.instanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Instância reiniciada", "instance_id": name})
}

// resetInstance wipes container and data volume and recreates the
// instance with a fresh encryption key. Destructive by design.
func (s *Server) resetInstance(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	var req versionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Version == "" {
		req.Version = "latest"
	}
	version, err := instance.ValidateVersion(req.Version)
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := s.inst.Exists(ctx, name)
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		detail(c, http.StatusNotFound, "Instância não encontrada")
		return
	}

	if _, _, err := s.inst.Reset(ctx, name, version); err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Instância resetada",
		"instance_id": name,
		"url":         s.inst.Projection().URL(name),
	})
}

// updateVersion rebuilds the container on a new image tag, preserving the
// data volume, encryption key and creation timestamp.
func (s *Server) updateVersion(c *gin.Context) {
	name := c.Param("name")

	var req versionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Version == "" {
		req.Version = "latest"
	}
	version, err := instance.ValidateVersion(req.Version)
	if err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.inst.Rebuild(c.Request.Context(), name, version); err != nil {
		s.instanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     fmt.Sprintf("Versão atualizada para %s", version),
		"instance_id": name,
	})
}

func (s *Server) instanceLogs(c *gin.Context) {
	name := c.Param("name")
	tail, err := strconv.Atoi(c.DefaultQuery("tail", "50"))
	if err != nil || tail < 1 {
		tail = 50
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}

	logs, err := s.inst.Logs(c.Request.Context(), name, tail)
	if err != nil {
		s.instanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": name, "tail": tail, "logs": logs})
}

// instanceError maps runtime errors to the HTTP status policy.
func (s *Server) instanceError(c *gin.Context, err error) {
	if runtime.IsNotFound(err) {
		detail(c, http.StatusNotFound, "Instância não encontrada")
		return
	}
	detail(c, http.StatusInternalServerError, err.Error())
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
