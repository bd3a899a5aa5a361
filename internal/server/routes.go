package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/bridge"
	"github.com/danmuck/edgelink/internal/command"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ValueRequest is the body of POST /values.
type ValueRequest struct {
	Address string `json:"address"`
	Values  []any  `json:"values"`
}

func (s *Server) RegisterRoutes() {
	routes := s.routes()
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"bridge":  s.ID,
			"version": "0.0.1",
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		st := s.device.Status()
		code := http.StatusOK
		if st.State != bridge.StateOpen.String() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": code == http.StatusOK,
			"state": st.State,
		})
	})

	routes.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.device.Status())
	})

	routes.GET("/tree", func(c *gin.Context) {
		addr := c.DefaultQuery("addr", mirror.Root)
		if s.device.Snapshot() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mirror not initialized"})
			return
		}
		node, ok := s.device.Lookup(addr)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no node at %s", addr)})
			return
		}
		c.JSON(http.StatusOK, node)
	})

	routes.GET("/entities", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"entities": s.device.Entities()})
	})

	routes.GET("/files/:filetype", func(c *gin.Context) {
		names, err := s.device.ListFiles(c.Request.Context(), c.Param("filetype"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"files": names})
	})

	routes.GET("/files/:filetype/:filename", func(c *gin.Context) {
		data, err := s.device.ReadFile(c.Request.Context(), c.Param("filetype"), c.Param("filename"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	})

	routes.POST("/values", auth.RequireBearer(s.guard), func(c *gin.Context) {
		var req ValueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		args, err := s.valueArgs(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.device.SendValue(c.Request.Context(), mirror.Clean(req.Address), args...); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "address": mirror.Clean(req.Address)})
	})
}

// valueArgs coerces JSON values to the mirrored node's type tags when known.
func (s *Server) valueArgs(req ValueRequest) ([]osc.Arg, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	var tags string
	if node, ok := s.device.Lookup(mirror.Clean(req.Address)); ok {
		if node.IsContainer() {
			return nil, fmt.Errorf("%s is a container", node.Address)
		}
		tags = node.Type
	}
	args := make([]osc.Arg, 0, len(req.Values))
	for i, v := range req.Values {
		var (
			arg osc.Arg
			err error
		)
		if i < len(tags) {
			arg, err = osc.Coerce(tags[i], v)
		} else {
			arg, err = osc.FromAny(v)
		}
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		args = append(args, arg)
	}
	return args, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var derr *command.DeviceError
	if errors.As(err, &derr) {
		body["device_code"] = derr.Code
	}
	if status >= http.StatusInternalServerError {
		log.Warn().Str("server", s.ID).Str("path", c.FullPath()).Err(err).Msg("bridge call failed")
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrDevice):
		return http.StatusBadGateway
	case errors.Is(err, command.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
