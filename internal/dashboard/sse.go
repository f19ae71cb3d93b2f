package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/events"
	"github.com/gin-gonic/gin"
)

// heartbeatInterval keeps idle streams from being closed by proxies.
var heartbeatInterval = 15 * time.Second

var streamTopics = []string{events.TopicLogs, events.TopicStats, events.TopicIdentity, events.TopicInstances}

// parseTopics reads a comma-separated topic list. Empty means every topic.
func parseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if !validTopic(t) {
			return nil, fmt.Errorf("unknown topic %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

func validTopic(t string) bool {
	return slices.Contains(streamTopics, t)
}

// handleSSE streams one instance's events. The first event is the current
// snapshot so a client never has to poll for the initial state.
func (s *server) handleSSE(c *gin.Context) {
	id := c.Param("id")
	info, err := s.sup.Get(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bus := s.sup.Bus()
	sub := bus.Subscribe(id, topics...)
	defer bus.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "snapshot", info)
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSE(c.Writer, ev.Topic, ev)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
