package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/fortybyte/mudaeUtils/internal/config"
	"github.com/fortybyte/mudaeUtils/internal/db"
	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/events"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/store"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
	"github.com/fortybyte/mudaeUtils/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const channel = "1234567890"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) SendMessage(ctx context.Context, channelID, text string) (*discord.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return &discord.Message{ID: 1, Content: text}, nil
}

func (f *fakeTransport) AddReaction(ctx context.Context, channelID string, messageID discord.Snowflake, emoji string) error {
	return nil
}

func (f *fakeTransport) FetchRecent(ctx context.Context, channelID string, after discord.Snowflake, limit int) ([]discord.Message, error) {
	return nil, nil
}

func (f *fakeTransport) FetchIdentity(ctx context.Context) (*discord.Identity, error) {
	return &discord.Identity{ID: "42", Username: "roller"}, nil
}

func newSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "dash.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	v, err := vault.New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Engine.PollInterval = 5 * time.Millisecond
	cfg.Engine.IdlePollInterval = 5 * time.Millisecond
	cfg.Engine.PausePollInterval = 5 * time.Millisecond
	cfg.Engine.ProbeSettle = time.Millisecond
	cfg.Game.DailyCommandGap = time.Millisecond

	sup, err := supervisor.New(supervisor.Options{
		Config: cfg,
		Store:  store.New(gdb),
		Vault:  v,
		Bus:    events.NewBus(256),
		NewTransport: func(string) (discord.Transport, error) {
			return &fakeTransport{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func newTestRouter(t *testing.T, opts StartOpts) (*gin.Engine, *supervisor.Supervisor) {
	t.Helper()
	if opts.Supervisor == nil {
		opts.Supervisor = newSupervisor(t)
	}
	opts.Logger = zerolog.Nop()
	router, err := NewRouter(opts)
	require.NoError(t, err)
	return router, opts.Supervisor
}

func passwordService(t *testing.T, password string) *auth.Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return auth.NewService(string(hash), time.Hour, zerolog.Nop())
}

func do(router http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func createBody(id string) string {
	return `{"id":"` + id + `","token":"secret-token-wxyz","channelId":"` + channel + `","logging":true}`
}

// --- Assets and pages ---

func TestEmbeddedAssets(t *testing.T) {
	for _, name := range []string{"assets/style.css", "assets/app.js"} {
		data, err := assetsFS.ReadFile(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, data, name)
	}
}

func TestEmbeddedTemplates(t *testing.T) {
	data, err := templatesFS.ReadFile("templates/status.html")
	require.NoError(t, err)
	assert.Contains(t, string(data), "mudaeUtils")
}

func TestNewRouter_NilSupervisor(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supervisor is required")
}

func TestStaticAssets(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})
	for _, path := range []string{"/static/style.css", "/static/app.js"} {
		w := do(router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{Version: "v1.2.3", Auth: passwordService(t, "pw")})
	w := do(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "v1.2.3", body["version"])
}

func TestIndex_ListsInstancesWithoutAuth(t *testing.T) {
	router, sup := newTestRouter(t, StartOpts{})
	_, err := sup.Create(supervisor.CreateRequest{ID: "alt-1", Token: "secret-token-wxyz", ChannelID: channel})
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	html := w.Body.String()
	assert.Contains(t, html, "alt-1")
	assert.Contains(t, html, "state-running")
	assert.NotContains(t, html, "secret-token")
}

func TestIndex_HidesInstancesWithAuth(t *testing.T) {
	router, sup := newTestRouter(t, StartOpts{Auth: passwordService(t, "pw")})
	_, err := sup.Create(supervisor.CreateRequest{ID: "alt-1", Token: "secret-token-wxyz", ChannelID: channel})
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "alt-1")
	assert.Contains(t, w.Body.String(), "login-form")
}

func TestUnknownRoute_Returns404(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})
	w := do(router, http.MethodGet, "/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Auth ---

func TestAuthFlow(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{Auth: passwordService(t, "hunter2")})

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/api/instances", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/ws", "").Code)

	w := do(router, http.MethodPost, "/api/auth/login", `{"password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", `{"password":"hunter2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	bearer := []string{"Authorization", "Bearer " + token}
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/instances", "", bearer...).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/instances?token="+token, "").Code)

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/api/auth/logout", "", bearer...).Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/api/instances", "", bearer...).Code)
}

func TestLogin_AuthDisabled(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})
	w := do(router, http.MethodPost, "/api/auth/login", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["authEnabled"])
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/instances", "").Code)
}

func TestCORS(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{AllowedOrigins: []string{"http://localhost:5173"}})

	w := do(router, http.MethodOptions, "/api/instances", "", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(router, http.MethodGet, "/api/instances", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// --- Instances ---

func TestCreateAndGet(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})

	w := do(router, http.MethodPost, "/api/instances", createBody("alt-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "alt-1", body["id"])
	assert.Equal(t, "****wxyz", body["token"])
	assert.Equal(t, "running", body["state"])

	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/instances", createBody("alt-1")).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/instances", createBody("bad id")).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/instances", `{"id":`).Code)

	w = do(router, http.MethodGet, "/api/instances/alt-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, channel, decode(t, w)["channelId"])

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/instances/missing", "").Code)

	w = do(router, http.MethodGet, "/api/instances", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.NotContains(t, w.Body.String(), "secret-token")
}

func TestInstanceOperations(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})
	require.Equal(t, http.StatusCreated, do(router, http.MethodPost, "/api/instances", createBody("alt-1")).Code)
	base := "/api/instances/alt-1"

	w := do(router, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", decode(t, w)["state"])
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, base+"/roll", "").Code)

	w = do(router, http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["state"])

	w = do(router, http.MethodPost, base+"/roll", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stats"].(map[string]any)
	assert.GreaterOrEqual(t, stats["totalRolls"], float64(1))

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/message", `{"text":"$tu"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, base+"/message", `{"text":"  "}`).Code)

	w = do(router, http.MethodPost, base+"/quota", `{"capacity":14}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(14), decode(t, w)["quotaCapacity"])
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, base+"/quota", `{"capacity":0}`).Code)

	w = do(router, http.MethodPost, base+"/logging", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["logging"])

	w = do(router, http.MethodGet, base+"/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.NotEmpty(t, logs)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, base+"/logs/clear", "").Code)

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, base+"/stats", "").Code)

	w = do(router, http.MethodPost, base+"/reset", `{"clearLogs":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["stats"].(map[string]any)["totalRolls"])
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, base+"/reset", "").Code)

	w = do(router, http.MethodPost, base+"/terminate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["state"])
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, base+"/roll", "").Code)

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, base, "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, base, "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPost, base+"/pause", "").Code)
}

func TestBackupRestore(t *testing.T) {
	src, _ := newTestRouter(t, StartOpts{})
	require.Equal(t, http.StatusCreated, do(src, http.MethodPost, "/api/instances", createBody("alt-1")).Code)

	w := do(src, http.MethodGet, "/api/backup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "mudae-backup-")
	backup := w.Body.String()
	assert.Contains(t, backup, `"alt-1"`)
	assert.NotContains(t, backup, "secret-token")

	dst, _ := newTestRouter(t, StartOpts{})
	w = do(dst, http.MethodPost, "/api/restore", backup)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["started"])
	assert.Equal(t, http.StatusOK, do(dst, http.MethodGet, "/api/instances/alt-1", "").Code)

	assert.Equal(t, http.StatusConflict, do(dst, http.MethodPost, "/api/restore", backup).Code)
	assert.Equal(t, http.StatusBadRequest, do(dst, http.MethodPost, "/api/restore", `nope`).Code)
}

// --- Streams ---

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestSSE_SnapshotThenEvents(t *testing.T) {
	router, sup := newTestRouter(t, StartOpts{})
	_, err := sup.Create(supervisor.CreateRequest{ID: "alt-1", Token: "tok-1234", ChannelID: channel})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/instances/alt-1/events?topics=instances", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	first := readSSE(t, r)
	assert.Equal(t, "snapshot", first.name)
	assert.Contains(t, first.data, `"id":"alt-1"`)

	require.NoError(t, sup.Pause("alt-1"))
	ev := readSSE(t, r)
	assert.Equal(t, events.TopicInstances, ev.name)
	assert.Contains(t, ev.data, `"action":"paused"`)
}

func TestSSE_Errors(t *testing.T) {
	router, sup := newTestRouter(t, StartOpts{})
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/instances/missing/events", "").Code)

	_, err := sup.Create(supervisor.CreateRequest{ID: "alt-1", Token: "tok-1234", ChannelID: channel})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/api/instances/alt-1/events?topics=bogus", "").Code)
}

func readFrame(t *testing.T, conn *websocket.Conn, want string) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocket_SubscribeUnsubscribe(t *testing.T) {
	router, sup := newTestRouter(t, StartOpts{})
	_, err := sup.Create(supervisor.CreateRequest{ID: "alt-1", Token: "tok-1234", ChannelID: channel})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "subscribe", Instance: "missing"}))
	assert.Contains(t, readFrame(t, conn, "error").Error, "not found")

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "subscribe", Instance: "alt-1", Topic: "bogus"}))
	assert.Contains(t, readFrame(t, conn, "error").Error, "unknown topic")

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "dance", Instance: "alt-1"}))
	assert.Contains(t, readFrame(t, conn, "error").Error, "unknown action")

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "subscribe", Instance: "alt-1", Topic: events.TopicInstances}))
	readFrame(t, conn, "subscribed")
	snap := readFrame(t, conn, "snapshot")
	assert.Equal(t, "alt-1", snap.Instance)

	require.NoError(t, sup.Pause("alt-1"))
	ev := readFrame(t, conn, "event")
	assert.Equal(t, events.TopicInstances, ev.Topic)
	data, _ := json.Marshal(ev.Data)
	assert.Contains(t, string(data), `"action":"paused"`)

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "unsubscribe", Instance: "alt-1", Topic: events.TopicInstances}))
	readFrame(t, conn, "unsubscribed")
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	router, _ := newTestRouter(t, StartOpts{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// --- Helpers ---

func TestParseTopics(t *testing.T) {
	got, err := parseTopics("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTopics("logs, stats")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs", "stats"}, got)

	_, err = parseTopics("logs,nope")
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3*time.Hour + 15*time.Minute, "3h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", timeAgo(time.Time{}, now))
	assert.Equal(t, "5m ago", timeAgo(now.Add(-5*time.Minute), now))
	assert.Equal(t, "0s ago", timeAgo(now.Add(time.Minute), now))
}

func TestInstanceRows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	info := supervisor.Info{ID: "alt-1", ChannelID: channel}
	info.State = roller.Running
	info.RemainingRolls = 3
	info.QuotaCapacity = 10
	info.NextRollAt = now.Add(90 * time.Second)
	info.Stats.TotalRolls = 7
	info.Stats.ClaimedNames = []string{"Rem", "Ram"}
	info.Identity = &discord.Identity{ID: "42", Username: "roller"}

	rows := instanceRows([]supervisor.Info{info}, now)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "running", row.State)
	assert.Equal(t, "3/10", row.Remaining)
	assert.Equal(t, "in 1m", row.NextRoll)
	assert.Equal(t, "Rem, Ram", row.Claimed)
	assert.Equal(t, "roller", row.User)
}
