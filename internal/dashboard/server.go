// Package dashboard serves the operator control surface: a JSON API over
// the supervisor, per-instance event streams (SSE and WebSocket) and a
// small status page.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Supervisor     *supervisor.Supervisor
	Auth           *auth.Service
	Port           int
	AllowedOrigins []string
	Version        string
	Logger         zerolog.Logger
	Out            io.Writer
}

// server carries the handler dependencies.
type server struct {
	sup     *supervisor.Supervisor
	auth    *auth.Service
	origins []string
	version string
	log     zerolog.Logger
	started time.Time
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 3001
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewService("", 0, opts.Logger)
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}
	opts.Logger.Info().Int("port", opts.Port).Bool("auth", opts.Auth.Enabled()).Msg("dashboard listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine without listening.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("dashboard: supervisor is required")
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewService("", 0, opts.Logger)
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	s := &server{
		sup:     opts.Supervisor,
		auth:    opts.Auth,
		origins: opts.AllowedOrigins,
		version: opts.Version,
		log:     opts.Logger.With().Str("component", "dashboard").Logger(),
		started: time.Now(),
	}
	s.registerRoutes(router)
	return router, nil
}

// parseTemplates loads the embedded HTML templates.
func parseTemplates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}
