package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
)

const (
	streamEventHeartbeat = "heartbeat"
	streamHeartbeatEvery = 25 * time.Second
)

// handleStream opens a server-sent event stream. The caller is always
// subscribed to their personal room; the optional docs query parameter
// lists document keys (type:id, comma separated) to watch as well. Each
// watched document is authorized separately and held loaded until the
// stream closes, so its in-memory instance stays live for the duration of
// the connection.
func (h *httpHandler) handleStream(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	session, err := h.gatekeeper.ResolveSession(c.Request.Context(), token)
	if err != nil {
		h.respondError(c, "session resolution failed", err)
		return
	}

	keys, err := parseDocKeys(c.Query("docs"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	held := make([]document.Key, 0, len(keys))
	defer func() {
		for _, key := range held {
			h.lifecycle.Release(key)
		}
	}()
	rooms := []string{realtime.RoomForUser(session.UserID)}
	for _, key := range keys {
		if _, err := h.gatekeeper.Authorize(c.Request.Context(), token, key); err != nil {
			h.respondError(c, "stream authorization failed", err)
			return
		}
		if _, err := h.lifecycle.Load(c.Request.Context(), key); err != nil {
			h.respondError(c, "document load failed", err)
			return
		}
		held = append(held, key)
		rooms = append(rooms, realtime.RoomForDoc(key.String()))
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	ctx := c.Request.Context()
	merged := make(chan realtime.Message, 32)
	for _, room := range rooms {
		stream, cancel := h.dispatcher.Subscribe(ctx, room)
		defer cancel()
		go func(stream <-chan realtime.Message) {
			for message := range stream {
				select {
				case merged <- message:
				case <-ctx.Done():
					return
				}
			}
		}(stream)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeStreamEvent(c.Writer, streamEventHeartbeat, gin.H{"time": time.Now().UTC().Unix()}); err != nil {
				return
			}
			flusher.Flush()
		case message := <-merged:
			if err := writeStreamEvent(c.Writer, message.Event, message.Payload); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamEvent(writer http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := writer.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	_, err = writer.Write([]byte("data: " + string(data) + "\n\n"))
	return err
}

func parseDocKeys(rawInput string) ([]document.Key, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	keys := make([]document.Key, 0, len(parts))
	for _, part := range parts {
		docType, id, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, document.ErrInvalidMetadata
		}
		key, err := document.NewKey(docType, id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
