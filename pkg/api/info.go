package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{"api": "ok", "redis": "ok", "docker": "ok"}
	status := "ok"

	if err := s.jobs.Ping(ctx); err != nil {
		checks["redis"] = "error"
		status = "degraded"
	}
	if _, err := s.rt.Info(ctx); err != nil {
		checks["docker"] = "error"
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type versionEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// versions lists recent engine tags from the public registry, falling back
// to a single "latest" entry when the registry is unreachable.
func (s *Server) versions(c *gin.Context) {
	fallback := []versionEntry{{ID: "latest", Name: "Última versão (latest)"}}

	entries, err := s.fetchRegistryTags(c)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to fetch engine versions from registry")
		c.JSON(http.StatusOK, gin.H{"versions": fallback})
		return
	}
	if len(entries) == 0 {
		entries = fallback
	}
	c.JSON(http.StatusOK, gin.H{"versions": entries})
}

func (s *Server) fetchRegistryTags(c *gin.Context) ([]versionEntry, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
		s.tagsURL+"?page_size=20&ordering=last_updated", nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var payload struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	var entries []versionEntry
	seen := map[string]bool{}
	for _, tag := range payload.Results {
		name := tag.Name
		// Release tags only: leading digit, no -beta/-rc/-next suffix
		if name == "" || name[0] < '0' || name[0] > '9' || seen[name] || containsDash(name) {
			continue
		}
		seen[name] = true
		entries = append(entries, versionEntry{ID: name, Name: name})
		if len(entries) >= 8 {
			break
		}
	}
	return entries, nil
}

func containsDash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return true
		}
	}
	return false
}

func (s *Server) locations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"locations": []gin.H{
			{"id": "vinhedo", "name": "Vinhedo, São Paulo - Brasil", "active": true},
		},
	})
}

func (s *Server) instances(c *gin.Context) {
	views, err := s.inst.List(c.Request.Context())
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": views})
}

func (s *Server) capacity(c *gin.Context) {
	report, err := s.inst.Capacity(c.Request.Context())
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// cleanupPreview shows what the next sweeps will evict and when.
func (s *Server) cleanupPreview(c *gin.Context) {
	views, err := s.inst.List(c.Request.Context())
	if err != nil {
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	maxAge := s.cfg.CleanupMaxAgeDays
	entries := make([]gin.H, 0, len(views))
	for _, v := range views {
		remaining := maxAge - v.AgeDays
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, gin.H{
			"instance_id":     v.InstanceID,
			"age_days":        v.AgeDays,
			"will_be_deleted": v.AgeDays >= maxAge,
			"days_remaining":  remaining,
		})
	}
	c.JSON(http.StatusOK, gin.H{"max_age_days": maxAge, "instances": entries})
}
