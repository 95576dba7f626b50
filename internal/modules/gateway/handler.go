package gateway

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/pkg/response"
)

type notifyDTO struct {
	Type  string         `json:"type"`
	Title string         `json:"title" binding:"required"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

type countDTO struct {
	Count *int `json:"count" binding:"required"`
}

type broadcastDTO struct {
	Room    string         `json:"room"`
	Payload map[string]any `json:"payload"`
}

type Handler struct {
	hub      *Hub
	notifier *Notifier
}

func NewHandler(hub *Hub, notifier *Notifier) *Handler {
	return &Handler{hub: hub, notifier: notifier}
}

// RegisterRoutes mounts the socket.io endpoint (when socket is set) and the
// admin gateway endpoints.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, socket *SocketServer, authMW, adminMW gin.HandlerFunc) {
	if socket != nil {
		handler := gin.WrapH(socket.Handler())
		rg.Any("/socket.io", handler)
		rg.Any("/socket.io/*any", handler)
	}

	g := rg.Group("/gateway", authMW, adminMW)
	g.GET("/stats", h.stats)
	g.POST("/notify/:userId", h.notify)
	g.POST("/notify/:userId/count", h.count)
	g.POST("/broadcast", h.broadcast)
}

func (h *Handler) stats(c *gin.Context) {
	response.OK(c, h.hub.Stats())
}

func (h *Handler) notify(c *gin.Context) {
	var dto notifyDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	userID := strings.TrimSpace(c.Param("userId"))
	note := h.notifier.NotifyNew(userID, Notification{
		Type:  dto.Type,
		Title: dto.Title,
		Body:  dto.Body,
		Data:  dto.Data,
	})
	response.OK(c, gin.H{
		"notification": note,
		"online":       h.hub.IsUserOnline(userID),
		"connections":  h.hub.UserSocketCount(userID),
	})
}

func (h *Handler) count(c *gin.Context) {
	var dto countDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	userID := strings.TrimSpace(c.Param("userId"))
	h.notifier.NotifyCountUpdated(userID, *dto.Count)
	response.OK(c, gin.H{"online": h.hub.IsUserOnline(userID)})
}

func (h *Handler) broadcast(c *gin.Context) {
	var dto broadcastDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.notifier.NotifyBroadcast(dto.Room, dto.Payload); err != nil {
		if errors.Is(err, ErrInvalidRoom) || errors.Is(err, ErrPrivateRoom) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}
