package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mymmrac/telego"

	"github.com/sipeed/docrelay/pkg/logger"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateHandler consumes one decoded webhook update.
type UpdateHandler func(ctx context.Context, update telego.Update)

type Options struct {
	Addr        string
	WebhookPath string
	// Secret, when set, must match the secret token header on every
	// webhook request.
	Secret string
	Debug  bool
}

// Server is the HTTP ingress: the webhook route and a plaintext health check.
type Server struct {
	opts    Options
	handler UpdateHandler
	router  *gin.Engine
	server  *http.Server
}

func NewServer(opts Options, handler UpdateHandler) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		opts:    opts,
		handler: handler,
		router:  router,
	}
	router.GET("/health", s.handleHealth)
	// The webhook path embeds the bot token, whose ":" gin would read as a
	// parameter. It is matched literally in the fallback handler instead.
	router.NoRoute(s.handleWebhook)

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address and blocks until Shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	logger.InfoCF("gateway", "Webhook server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.InfoC("gateway", "Shutting down webhook server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost || !s.isWebhookPath(c.Request.URL.Path) {
		c.String(http.StatusNotFound, "Not Found")
		return
	}

	if s.opts.Secret != "" {
		got := c.GetHeader(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) != 1 {
			logger.WarnCF("gateway", "Rejected webhook request with bad secret", map[string]interface{}{
				"remote": c.ClientIP(),
			})
			c.String(http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	var update telego.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.DebugCF("gateway", "Rejected malformed update", map[string]interface{}{
			"error": err.Error(),
		})
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	s.handler(c.Request.Context(), update)
	c.String(http.StatusOK, "OK")
}

func (s *Server) isWebhookPath(path string) bool {
	if s.opts.WebhookPath == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(path), []byte(s.opts.WebhookPath)) == 1
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
