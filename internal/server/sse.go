package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/claudeman/internal/log"
)

const heartbeatInterval = 30 * time.Second

// chunkPayload is the wire shape of one terminal delivery. Data is base64:
// raw terminal bytes are not valid JSON strings.
type chunkPayload struct {
	Data    string `json:"data"`
	Dropped uint64 `json:"dropped,omitempty"`
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

func sseEvent(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error(log.CatServer, "marshaling sse payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

// handleSessionStream serves the session's terminal as SSE: one snapshot
// event hydrated from the history ring, then a chunk event per delivery.
// A dropped count on a chunk tells the client to re-fetch the snapshot.
func (s *Server) handleSessionStream(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.sup.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	chunks, err := s.streams.Subscribe(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	sseHeaders(c)

	if history, err := s.streams.Snapshot(id); err == nil && len(history) > 0 {
		sseEvent(c, "snapshot", chunkPayload{Data: base64.StdEncoding.EncodeToString(history)})
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk.Terminal {
				sseEvent(c, "end", gin.H{"sessionId": id})
				return
			}
			sseEvent(c, "chunk", chunkPayload{
				Data:    base64.StdEncoding.EncodeToString(chunk.Data),
				Dropped: chunk.Dropped,
			})
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.shutdownCtx.Done():
			return
		}
	}
}

// handleEventStream serves the supervisor event feed as SSE.
func (s *Server) handleEventStream(c *gin.Context) {
	events := s.sup.Subscribe(c.Request.Context())

	sseHeaders(c)
	sseEvent(c, "connected", gin.H{"sessions": len(s.sup.Sessions())})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			sseEvent(c, "event", ev)
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.shutdownCtx.Done():
			return
		}
	}
}
