package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/events"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	operatorContextKey       = "seatsync_operator"
	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingCursorReader  = errors.New("cursor reader dependency required")
	errMissingTokenManager  = errors.New("token validator dependency required")
	errMissingEventSource   = errors.New("event source dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CursorReader exposes cursor state to operators.
type CursorReader interface {
	List(ctx context.Context) ([]cursors.Cursor, error)
	ListStalled(ctx context.Context) ([]cursors.Cursor, error)
}

// TokenValidator validates the operator bearer token of a request.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// EventSource streams cursor transitions.
type EventSource interface {
	Subscribe(ctx context.Context, realmID int64) (<-chan events.CursorEvent, func())
}

// Dependencies wires the status surface.
type Dependencies struct {
	Cursors           CursorReader
	Tokens            TokenValidator
	Events            EventSource
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the read-only operator status surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Cursors == nil {
		return nil, errMissingCursorReader
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Events == nil {
		return nil, errMissingEventSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		cursors:   deps.Cursors,
		tokens:    deps.Tokens,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/cursors", handler.handleListCursors)
	protected.GET("/cursors/stalled", handler.handleListStalled)
	protected.GET("/cursors/events", handler.handleCursorEvents)

	return router, nil
}

type httpHandler struct {
	cursors   CursorReader
	tokens    TokenValidator
	events    EventSource
	heartbeat time.Duration
	logger    *zap.Logger
}

type cursorPayload struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	RealmID          *int64    `json:"realm_id,omitempty"`
	State            string    `json:"state"`
	WatermarkEntryID *int64    `json:"watermark_entry_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type cursorListPayload struct {
	Cursors []cursorPayload `json:"cursors"`
}

func newCursorListPayload(list []cursors.Cursor) cursorListPayload {
	payload := cursorListPayload{Cursors: make([]cursorPayload, 0, len(list))}
	for _, cursor := range list {
		payload.Cursors = append(payload.Cursors, cursorPayload{
			ID:               cursor.ID,
			Kind:             cursor.Kind(),
			RealmID:          cursor.RealmID,
			State:            string(cursor.State),
			WatermarkEntryID: cursor.WatermarkEntryID,
			UpdatedAt:        cursor.UpdatedAt,
		})
	}
	return payload
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListCursors(c *gin.Context) {
	list, err := h.cursors.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list cursors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cursor_list_failed"})
		return
	}
	c.JSON(http.StatusOK, newCursorListPayload(list))
}

func (h *httpHandler) handleListStalled(c *gin.Context) {
	list, err := h.cursors.ListStalled(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list stalled cursors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cursor_list_failed"})
		return
	}
	c.JSON(http.StatusOK, newCursorListPayload(list))
}

func (h *httpHandler) handleCursorEvents(c *gin.Context) {
	var realmID int64
	if raw := strings.TrimSpace(c.Query("realm")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_realm"})
			return
		}
		realmID = parsed
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, realmID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if _, err := fmt.Fprint(c.Writer, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode cursor event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Transition, data); err != nil {
				h.logger.Warn("cursor event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}
