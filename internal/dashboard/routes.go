package dashboard

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func (s *server) registerRoutes(router *gin.Engine) {
	router.Use(s.cors())

	staticFS, _ := fs.Sub(assetsFS, "assets")
	router.StaticFS("/static", http.FS(staticFS))

	router.GET("/", s.handleIndex)
	router.GET("/healthz", s.handleHealth)
	router.POST("/api/auth/login", s.handleLogin)

	api := router.Group("/api", s.requireSession())
	api.POST("/auth/logout", s.handleLogout)

	api.GET("/instances", s.handleList)
	api.POST("/instances", s.handleCreate)
	api.GET("/instances/:id", s.handleGet)
	api.DELETE("/instances/:id", s.handleDelete)
	api.POST("/instances/:id/pause", s.handlePause)
	api.POST("/instances/:id/resume", s.handleResume)
	api.POST("/instances/:id/terminate", s.handleTerminate)
	api.POST("/instances/:id/reset", s.handleReset)
	api.POST("/instances/:id/roll", s.handleRoll)
	api.POST("/instances/:id/message", s.handleMessage)
	api.POST("/instances/:id/quota", s.handleQuota)
	api.POST("/instances/:id/logging", s.handleLogging)
	api.POST("/instances/:id/logs/clear", s.handleClearLogs)
	api.GET("/instances/:id/logs", s.handleLogs)
	api.GET("/instances/:id/stats", s.handleStats)
	api.GET("/instances/:id/events", s.handleSSE)

	api.GET("/backup", s.handleBackup)
	api.POST("/restore", s.handleRestore)

	router.GET("/ws", s.requireSession(), s.handleWS)
}

// --- Middleware ---

// cors answers preflight requests and echoes allowed origins.
func (s *server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// requireSession rejects requests without a valid session token. Browsers
// cannot set headers on EventSource or WebSocket requests, so the token may
// also come from the "token" query parameter.
func (s *server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.auth.Authenticate(sessionToken(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func sessionToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return c.Query("token")
}

// --- Errors ---

// writeError maps domain errors onto HTTP status codes.
func (s *server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, supervisor.ErrConflict),
		errors.Is(err, roller.ErrNotRunning),
		errors.Is(err, roller.ErrPaused):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrBadPassword), errors.Is(err, auth.ErrInvalidSession):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}

// --- Pages ---

func (s *server) handleIndex(c *gin.Context) {
	data := gin.H{
		"Version":     s.version,
		"AuthEnabled": s.auth.Enabled(),
	}
	// Without a password the page is as open as the API, so render the
	// table server-side.
	if !s.auth.Enabled() {
		data["Instances"] = instanceRows(s.sup.List(), time.Now())
	}
	c.HTML(http.StatusOK, "status.html", data)
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"instances": len(s.sup.List()),
		"uptime":    formatDuration(time.Since(s.started)),
	})
}

// --- Auth ---

type loginRequest struct {
	Password string `json:"password"`
}

func (s *server) handleLogin(c *gin.Context) {
	if !s.auth.Enabled() {
		c.JSON(http.StatusOK, gin.H{"token": "", "authEnabled": false})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := s.auth.Login(req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *server) handleLogout(c *gin.Context) {
	s.auth.Logout(sessionToken(c))
	c.Status(http.StatusNoContent)
}

// --- Instances ---

func (s *server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.List())
}

func (s *server) handleCreate(c *gin.Context) {
	var req supervisor.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	info, err := s.sup.Create(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *server) handleGet(c *gin.Context) {
	info, err := s.sup.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *server) handleDelete(c *gin.Context) {
	if err := s.sup.Delete(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// lifecycle runs op and responds with the instance's updated description.
func (s *server) lifecycle(op func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(id); err != nil {
			s.writeError(c, err)
			return
		}
		info, err := s.sup.Get(id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (s *server) handlePause(c *gin.Context)     { s.lifecycle(s.sup.Pause)(c) }
func (s *server) handleResume(c *gin.Context)    { s.lifecycle(s.sup.Resume)(c) }
func (s *server) handleTerminate(c *gin.Context) { s.lifecycle(s.sup.Terminate)(c) }

type resetRequest struct {
	ClearLogs bool `json:"clearLogs"`
}

func (s *server) handleReset(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	snap, err := s.sup.ResetSession(c.Param("id"), req.ClearLogs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *server) handleRoll(c *gin.Context) {
	snap, err := s.sup.TriggerRoll(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.sup.SendMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type quotaRequest struct {
	Capacity int `json:"capacity"`
}

func (s *server) handleQuota(c *gin.Context) {
	var req quotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	snap, err := s.sup.SetQuotaCapacity(c.Param("id"), req.Capacity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type loggingRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *server) handleLogging(c *gin.Context) {
	var req loggingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.lifecycle(func(id string) error { return s.sup.SetLogging(id, req.Enabled) })(c)
}

func (s *server) handleClearLogs(c *gin.Context) {
	if err := s.sup.ClearLogs(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleLogs(c *gin.Context) {
	logs, err := s.sup.Logs(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *server) handleStats(c *gin.Context) {
	snap, err := s.sup.Stats(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// --- Backup ---

func (s *server) handleBackup(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.sup.Backup(&buf); err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="mudae-backup-`+time.Now().UTC().Format("20060102-150405")+`.json"`)
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}

func (s *server) handleRestore(c *gin.Context) {
	started, err := s.sup.Import(c.Request.Body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}
