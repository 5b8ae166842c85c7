package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tienda/storefront-api/internal/chat"
	"github.com/tienda/storefront-api/internal/dto"
	"github.com/tienda/storefront-api/internal/middleware"
	"github.com/tienda/storefront-api/internal/repository"
)

type ChatHandler struct {
	hub       *chat.Hub
	chatRepo  repository.ChatMessageRepository
	jwtSecret string
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

func NewChatHandler(hub *chat.Hub, chatRepo repository.ChatMessageRepository, jwtSecret string, log *slog.Logger) *ChatHandler {
	return &ChatHandler{
		hub:       hub,
		chatRepo:  chatRepo,
		jwtSecret: jwtSecret,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates the handshake credential before upgrading. A
// connection with a bad token is rejected here and never reaches the hub,
// so it never shows up in presence or receives a broadcast.
func (h *ChatHandler) ServeWS(c *gin.Context) {
	token := middleware.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	ident, err := middleware.ParseToken(h.jwtSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "error", err)
		return
	}

	client := chat.NewClient(h.hub, conn, ident.Username)
	go client.Start()
}

// History returns recent persisted messages over plain HTTP, for clients
// that want the log without holding a connection open.
func (h *ChatHandler) History(c *gin.Context) {
	msgs, err := h.chatRepo.ListRecent(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	out := make([]dto.ChatMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dto.ChatMessageResponse{Username: m.Username, Message: m.Text, Timestamp: m.Timestamp})
	}
	c.JSON(http.StatusOK, out)
}
