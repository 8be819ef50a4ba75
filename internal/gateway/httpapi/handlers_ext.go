package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aether-os/aether/internal/plugins"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// registerExtensionRoutes serves the plugin, OpenClaw, and integration
// surfaces of the REST plane.
func (s *Server) registerExtensionRoutes(authed *gin.RouterGroup) {
	authed.GET("/plugins/:pid", func(c *gin.Context) {
		entries := s.deps.Plugins.Registry().List()
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"id":          e.Record.ID,
				"enabled":     e.Record.Enabled,
				"description": e.Manifest.Description,
				"tools":       len(e.Manifest.Tools),
			})
		}
		c.JSON(http.StatusOK, gin.H{"plugins": out})
	})

	authed.POST("/plugins/:pid/install", func(c *gin.Context) {
		pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
			return
		}
		var req struct {
			Manifest *plugins.Manifest `json:"manifest"`
			Handlers map[string]string `json:"handlers"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Manifest == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument, "message": "manifest is required"})
			return
		}
		dir, err := s.deps.Plugins.Install(c.Request.Context(), pid, currentUser(c).ID, req.Manifest, req.Handlers)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"plugin": req.Manifest.Name, "dir": dir})
	})

	authed.GET("/openclaw/skills", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"skills": s.deps.OpenClaw.ListImported()})
	})

	authed.POST("/openclaw/import", func(c *gin.Context) {
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
			return
		}
		if req.Content != "" {
			skill, err := s.deps.OpenClaw.ImportContent(c.Request.Context(), req.Content, req.Path)
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusCreated, skill)
			return
		}
		skill, err := s.deps.OpenClaw.ImportFile(c.Request.Context(), req.Path)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, skill)
	})

	authed.POST("/openclaw/import-dir", func(c *gin.Context) {
		var req struct {
			Root string `json:"root"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Root == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument, "message": "root is required"})
			return
		}
		result, err := s.deps.OpenClaw.ImportDirectory(c.Request.Context(), req.Root)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authed.GET("/integrations", func(c *gin.Context) {
		list, err := s.deps.Integrations.List(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"integrations": list})
	})

	authed.POST("/integrations", func(c *gin.Context) {
		var req struct {
			Type        string            `json:"type"`
			Name        string            `json:"name"`
			Credentials map[string]string `json:"credentials"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
			return
		}
		integration, err := s.deps.Integrations.Register(c.Request.Context(), req.Type, req.Name, req.Credentials)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, integration)
	})

	authed.POST("/integrations/:id/test", func(c *gin.Context) {
		result, err := s.deps.Integrations.Test(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authed.POST("/integrations/:id/execute", func(c *gin.Context) {
		var req struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": v1.ErrInvalidArgument})
			return
		}
		result, err := s.deps.Integrations.Execute(c.Request.Context(), c.Param("id"), req.Action, req.Params)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})

	authed.GET("/integrations/:id/logs", func(c *gin.Context) {
		logs, err := s.deps.Integrations.GetLogs(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	})
}
