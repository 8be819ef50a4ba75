// Package httpapi serves the REST plane: health, history, uploads, raw file
// streaming, cluster and GPU probes, and Prometheus metrics.
package httpapi

import (
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/integrations"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/openclaw"
	"github.com/aether-os/aether/internal/plugins"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
	"github.com/aether-os/aether/internal/store"
)

// Deps carries what the REST plane reads.
type Deps struct {
	Version   string
	StartedAt time.Time

	Auth         *auth.Manager
	Store        *store.Store
	Plugins      *plugins.Manager
	OpenClaw     *openclaw.Adapter
	Integrations *integrations.Manager
	Status       func(ctx *gin.Context) map[string]any
	Cluster      func() []map[string]any
	FSRead       func(ctx *gin.Context, uid, path string) ([]byte, error)
	FSWrite      func(ctx *gin.Context, uid, path string, data []byte) error

	WSHandler gin.HandlerFunc
}

// Server is the HTTP plane.
type Server struct {
	deps   Deps
	logger *logger.Logger
	engine *gin.Engine
}

// NewServer builds the gin engine with all routes registered.
func NewServer(deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{deps: deps, logger: log.WithComponent("http"), engine: engine}
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin engine.
func (s *Server) Engine() *gin.Engine { return s.engine }

// corsMiddleware allows any origin for dev use; OPTIONS preflight returns 204.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware resolves the bearer token into a user.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		user, err := s.deps.Auth.ValidateToken(c.Request.Context(), token)
		if err != nil || user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": v1.ErrUnauthorized})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *store.User {
	if u, ok := c.Get("user"); ok {
		return u.(*store.User)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.Use(corsMiddleware())

	s.engine.GET("/health", func(c *gin.Context) {
		status := map[string]any{"status": "ok", "version": s.deps.Version,
			"uptime": time.Since(s.deps.StartedAt).Seconds()}
		if s.deps.Status != nil {
			for k, v := range s.deps.Status(c) {
				status[k] = v
			}
		}
		c.JSON(http.StatusOK, status)
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.WSHandler != nil {
		s.engine.GET("/kernel", s.deps.WSHandler)
	}

	api := s.engine.Group("/api")
	{
		api.POST("/auth/login", s.handleLogin)
		api.POST("/auth/register", s.handleRegister)
	}

	authed := s.engine.Group("/api", s.authMiddleware())
	{
		authed.GET("/processes", func(c *gin.Context) {
			procs, err := s.deps.Store.GetAllProcesses(c.Request.Context())
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"processes": procs})
		})

		authed.GET("/kernel", func(c *gin.Context) {
			if s.deps.Status == nil {
				c.JSON(http.StatusOK, gin.H{})
				return
			}
			c.JSON(http.StatusOK, s.deps.Status(c))
		})

		authed.GET("/history/processes", func(c *gin.Context) {
			procs, err := s.deps.Store.GetAllProcesses(c.Request.Context())
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"processes": procs})
		})

		authed.GET("/history/logs", func(c *gin.Context) {
			logs, err := s.deps.Store.GetAllAgentLogs(c.Request.Context())
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"logs": logs})
		})

		authed.GET("/history/logs/:pid", func(c *gin.Context) {
			pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
				return
			}
			logs, err := s.deps.Store.GetAgentLogs(c.Request.Context(), pid)
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"pid": pid, "logs": logs})
		})

		authed.GET("/history/files", func(c *gin.Context) {
			files, err := s.deps.Store.GetAllFiles(c.Request.Context())
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"files": files})
		})

		authed.GET("/history/metrics", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
			metrics, err := s.deps.Store.GetRecentMetrics(c.Request.Context(), limit)
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"metrics": metrics})
		})

		authed.GET("/cluster", func(c *gin.Context) {
			if s.deps.Cluster == nil {
				c.JSON(http.StatusOK, gin.H{"nodes": []any{}})
				return
			}
			c.JSON(http.StatusOK, gin.H{"nodes": s.deps.Cluster()})
		})

		authed.GET("/gpu", s.handleGPU)
		authed.GET("/gpu/stats", s.handleGPU)

		authed.POST("/fs/upload", func(c *gin.Context) {
			path := c.Query("path")
			if path == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument, "message": "path is required"})
				return
			}
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<20))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
				return
			}
			if err := s.deps.FSWrite(c, currentUser(c).ID, path, body); err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"path": path, "size": len(body)})
		})

		authed.GET("/fs/raw", func(c *gin.Context) {
			path := c.Query("path")
			if path == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument, "message": "path is required"})
				return
			}
			data, err := s.deps.FSRead(c, currentUser(c).ID, path)
			if err != nil {
				s.fail(c, err)
				return
			}
			c.Data(http.StatusOK, "application/octet-stream", data)
		})

		s.registerExtensionRoutes(authed)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
		return
	}
	token, user, err := s.deps.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
		return
	}
	user, err := s.deps.Auth.CreateUser(c.Request.Context(), req.Username, req.Password, req.DisplayName, "")
	if err != nil {
		s.fail(c, err)
		return
	}
	token, _, err := s.deps.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

// handleGPU shells out to nvidia-smi when present; no GPU is a valid state.
func (s *Server) handleGPU(c *gin.Context) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	out, err := exec.CommandContext(c.Request.Context(), path,
		"--query-gpu=name,utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	var gpus []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		gpus = append(gpus, map[string]string{
			"name":         strings.TrimSpace(parts[0]),
			"utilization":  strings.TrimSpace(parts[1]),
			"memory_used":  strings.TrimSpace(parts[2]),
			"memory_total": strings.TrimSpace(parts[3]),
		})
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "gpus": gpus})
}

// fail maps a kernel error onto an HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case v1.ErrUnauthorized:
		status = http.StatusUnauthorized
	case v1.ErrForbidden:
		status = http.StatusForbidden
	case v1.ErrNotFound:
		status = http.StatusNotFound
	case v1.ErrConflict:
		status = http.StatusConflict
	case v1.ErrInvalidArgument:
		status = http.StatusBadRequest
	}
	s.logger.Debug("request failed", zap.String("code", code), zap.Error(err))
	c.JSON(status, gin.H{"error": code, "message": errs.UserMessage(err)})
}
