package dashboard

import (
	"net/http"
	"net/url"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsRequest is a client frame.
type wsRequest struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	Instance string `json:"instance"`
	Topic    string `json:"topic,omitempty"` // empty means every topic
}

// wsMessage is a server frame. Type is "event", "snapshot", "subscribed",
// "unsubscribed" or "error".
type wsMessage struct {
	Type     string    `json:"type"`
	Instance string    `json:"instance,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Time     time.Time `json:"time,omitzero"`
	Data     any       `json:"data,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (s *server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return s.originAllowed(origin)
		},
	}
}

// handleWS multiplexes instance event streams over one socket. Clients add
// and drop (instance, topic) pairs with subscribe/unsubscribe frames; an
// empty instance subscribes to the topic across all instances.
func (s *server) handleWS(c *gin.Context) {
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	bus := s.sup.Bus()
	sub := bus.Open()
	defer bus.Unsubscribe(sub)

	replies := make(chan wsMessage, 16)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.wsWriter(conn, sub.C(), replies, done)
	}()
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		for _, msg := range s.wsHandle(req, sub) {
			select {
			case replies <- msg:
			case <-stopped:
				return
			}
		}
	}
}

// subscription is the part of events.Subscription the socket adjusts.
type subscription interface {
	Add(instance, topic string)
	Remove(instance, topic string)
}

func (s *server) wsHandle(req wsRequest, sub subscription) []wsMessage {
	fail := func(msg string) []wsMessage {
		return []wsMessage{{Type: "error", Instance: req.Instance, Topic: req.Topic, Error: msg}}
	}
	if req.Topic != "" && !validTopic(req.Topic) {
		return fail("unknown topic " + req.Topic)
	}

	switch req.Action {
	case "subscribe":
		if req.Instance == "" {
			sub.Add("", req.Topic)
			return []wsMessage{{Type: "subscribed", Topic: req.Topic}}
		}
		info, err := s.sup.Get(req.Instance)
		if err != nil {
			return fail(err.Error())
		}
		sub.Add(req.Instance, req.Topic)
		return []wsMessage{
			{Type: "subscribed", Instance: req.Instance, Topic: req.Topic},
			{Type: "snapshot", Instance: req.Instance, Time: time.Now(), Data: info},
		}
	case "unsubscribe":
		sub.Remove(req.Instance, req.Topic)
		return []wsMessage{{Type: "unsubscribed", Instance: req.Instance, Topic: req.Topic}}
	default:
		return fail("unknown action " + req.Action)
	}
}

// wsWriter owns every write to conn.
func (s *server) wsWriter(conn *websocket.Conn, evs <-chan events.Event, replies <-chan wsMessage, done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(msg wsMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	for {
		var ok bool
		select {
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case ev, open := <-evs:
			if !open {
				return
			}
			ok = write(wsMessage{Type: "event", Instance: ev.Instance, Topic: ev.Topic, Time: ev.Time, Data: ev.Data})
		case msg := <-replies:
			ok = write(msg)
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			ok = conn.WriteMessage(websocket.PingMessage, nil) == nil
		}
		if !ok {
			conn.Close()
			return
		}
	}
}
