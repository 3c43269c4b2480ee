package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
)

// authMiddleware enforces the bearer token. With no token configured every
// protected route fails closed instead of opening up.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIAuthToken == "" {
			detail(c, http.StatusInternalServerError, "auth token not configured")
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			detail(c, http.StatusUnauthorized, "Token ausente")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != s.cfg.APIAuthToken {
			detail(c, http.StatusForbidden, "Token inválido")
			return
		}

		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := map[string]bool{}
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		} else if origin != "" {
			allowed[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}
