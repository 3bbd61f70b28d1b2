package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"judgeflow/internal/common/auth"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Session SessionConfig `yaml:"session"`
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Handler upgrades authenticated requests into hub sessions.
type Handler struct {
	hub      *Hub
	authn    *auth.Authenticator
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, authn *auth.Authenticator, cfg HandlerConfig) *Handler {
	cfg.Session.setDefaults()
	h := &Handler{hub: hub, authn: authn, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes mounts GET /ws on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.Serve)
}

// Serve authenticates the token query parameter or bearer header, then upgrades.
func (h *Handler) Serve(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	}
	id, err := h.authn.Authenticate(token)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	client := newClient(h.hub, conn, id.UserID, h.cfg.Session)
	// The greeting goes first so it precedes any event.
	greeting, _ := json.Marshal(Envelope{Event: "connected", Data: map[string]string{"userId": id.UserID}})
	client.send <- greeting
	h.hub.Register(client)
	logger.Info(ctx, "websocket connected", zap.String("user_id", id.UserID))

	go client.writePump(ctx)
	client.readPump(ctx)
	logger.Info(ctx, "websocket disconnected", zap.String("user_id", id.UserID))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
