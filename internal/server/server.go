package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/bridge"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Device is the bridge surface the status API reads and drives.
type Device interface {
	Status() bridge.Status
	Snapshot() *mirror.Node
	Lookup(address string) (*mirror.Node, bool)
	Entities() []mirror.Entity
	ListFiles(ctx context.Context, filetype string) ([]string, error)
	ReadFile(ctx context.Context, filetype, filename string) ([]byte, error)
	SendValue(ctx context.Context, address string, args ...osc.Arg) error
}

var _ Device = (*bridge.Bridge)(nil)

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	device   Device
	router   *gin.Engine
	basePath string
	guard    auth.Validator
}

// RequireToken guards mutating routes with v. Call before RegisterRoutes.
func (s *Server) RequireToken(v auth.Validator) {
	s.guard = v
}

func New(id, addr string, device Device, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		device:   device,
		router:   r,
	}
}

// Attach mounts the status API on an existing router under basePath.
func Attach(id string, router *gin.Engine, basePath string, device Device) *Server {
	return &Server{
		ID:       id,
		Appeared: time.Now(),
		device:   device,
		router:   router,
		basePath: basePath,
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve registers routes and listens until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("server", s.ID).Str("addr", s.Addr).Msg("status api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() gin.IRoutes {
	if s.basePath == "" {
		return s.router
	}
	return s.router.Group(s.basePath)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
