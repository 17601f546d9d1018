// Package admin serves a small HTTP API to inspect and stop the running
// debug session.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kfsoftware/ldk/pkg/controller"
	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Controller interface {
	Status() controller.Status
	Snapshot(ctx context.Context) (*deployment.Snapshot, error)
	StopDebugging(ctx context.Context) error
}

type Server struct {
	ctrl Controller
	log  zerolog.Logger
	srv  *http.Server
}

func NewServer(ctrl Controller, logger zerolog.Logger) *Server {
	s := &Server{
		ctrl: ctrl,
		log:  logger.With().Str("component", "admin").Logger(),
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
		s.log.Debug().Msgf("endpoint %v %v %v %v", httpMethod, absolutePath, handlerName, nuHandlers)
	}

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctrl.Status())
	})
	r.GET("/snapshot", func(c *gin.Context) {
		snapshot, err := s.ctrl.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		if snapshot == nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "no snapshot stored"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	})
	r.POST("/stop", func(c *gin.Context) {
		// a client hanging up must not abort the revert
		err := s.ctrl.StopDebugging(context.WithoutCancel(c.Request.Context()))
		switch {
		case errors.Is(err, controller.ErrNotDebugging):
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		default:
			c.JSON(http.StatusOK, s.ctrl.Status())
		}
	})
	return r
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("latency", time.Since(start)).
		Msg("admin request")
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info().Msgf("Admin API listening on %s", listener.Addr())
	err := s.srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
