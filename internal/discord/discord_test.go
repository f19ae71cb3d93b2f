package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Discord session ---

type mockSession struct {
	mu         sync.Mutex
	sent       []string
	sendErr    error
	reactions  []string
	reactErr   error
	fetchCalls []string
	// fetchResults is consumed in order; the last entry repeats.
	fetchResults []fetchResult
	user         *discordgo.User
	userErr      error
}

type fetchResult struct {
	msgs []*discordgo.Message
	err  error
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, channelID+":"+content)
	return &discordgo.Message{ID: "900", ChannelID: channelID, Content: content, Author: &discordgo.User{ID: "me"}}, nil
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, messageID+":"+emojiID)
	return m.reactErr
}

func (m *mockSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, afterID)
	if len(m.fetchResults) == 0 {
		return nil, nil
	}
	r := m.fetchResults[0]
	if len(m.fetchResults) > 1 {
		m.fetchResults = m.fetchResults[1:]
	}
	return r.msgs, r.err
}

func (m *mockSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	if m.userErr != nil {
		return nil, m.userErr
	}
	return m.user, nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	slept  []time.Duration
	cancel bool
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	if r.cancel {
		return context.Canceled
	}
	return nil
}

func newTestClient(t *testing.T, sess *mockSession) (*Client, *recordingSleeper) {
	t.Helper()
	sl := &recordingSleeper{}
	c, err := New("", Options{Session: sess, Logger: zerolog.Nop(), Sleep: sl.sleep})
	require.NoError(t, err)
	return c, sl
}

func msg(id, author, content string) *discordgo.Message {
	return &discordgo.Message{ID: id, Content: content, Author: &discordgo.User{ID: author}}
}

func rateLimitErr(d time.Duration) error {
	return &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: d},
		URL:             "https://discord.com/api/v9/channels/1/messages",
	}}
}

func restErr(status int, body string) error {
	return &discordgo.RESTError{
		Response:     &http.Response{StatusCode: status},
		ResponseBody: []byte(body),
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New("", Options{})
	assert.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	sess := &mockSession{}
	c, _ := newTestClient(t, sess)

	m, err := c.SendMessage(context.Background(), "42", "$wa")
	require.NoError(t, err)
	assert.Equal(t, Snowflake(900), m.ID)
	assert.Equal(t, []string{"42:$wa"}, sess.sent)
}

func TestSendMessage_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"unauthorized", restErr(401, `{"message":"401: Unauthorized"}`), func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
		}},
		{"rate limited", rateLimitErr(7 * time.Second), func(t *testing.T, err error) {
			var rl *RateLimitedError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 7*time.Second, rl.RetryAfter)
		}},
		{"not ok", restErr(403, "missing access"), func(t *testing.T, err error) {
			var no *NotOKError
			require.ErrorAs(t, err, &no)
			assert.Equal(t, 403, no.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sl := newTestClient(t, &mockSession{sendErr: tt.err})
			_, err := c.SendMessage(context.Background(), "42", "$wa")
			tt.check(t, err)
			assert.Empty(t, sl.slept, "SendMessage must not retry")
		})
	}
}

func TestClassify_RateLimitWithoutDelayDefaults(t *testing.T) {
	err := classify(rateLimitErr(0))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, DefaultRetryAfter, rl.RetryAfter)
}

func TestAddReaction(t *testing.T) {
	sess := &mockSession{}
	c, _ := newTestClient(t, sess)

	require.NoError(t, c.AddReaction(context.Background(), "42", 1234, "👍"))
	assert.Equal(t, []string{"1234:👍"}, sess.reactions)

	sess.reactErr = restErr(404, "unknown message")
	var no *NotOKError
	assert.ErrorAs(t, c.AddReaction(context.Background(), "42", 1234, "👍"), &no)
}

func TestFetchRecent_FiltersAndOrders(t *testing.T) {
	sess := &mockSession{fetchResults: []fetchResult{{msgs: []*discordgo.Message{
		msg("105", "a", "old"),
		msg("110", "a", "newest"),
		msg("100", "a", "at watermark"),
		msg("107", "a", "middle"),
	}}}}
	c, _ := newTestClient(t, sess)

	got, err := c.FetchRecent(context.Background(), "42", 100, 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Snowflake(110), got[0].ID)
	assert.Equal(t, Snowflake(107), got[1].ID)
	assert.Equal(t, Snowflake(105), got[2].ID)
	assert.Equal(t, []string{"100"}, sess.fetchCalls)
}

func TestFetchRecent_NoWatermark(t *testing.T) {
	sess := &mockSession{fetchResults: []fetchResult{{msgs: []*discordgo.Message{msg("5", "a", "x")}}}}
	c, _ := newTestClient(t, sess)

	got, err := c.FetchRecent(context.Background(), "42", 0, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []string{""}, sess.fetchCalls)
}

func TestFetchRecent_LargeSnowflakes(t *testing.T) {
	// Both exceed 2^53; float comparison would consider them equal.
	sess := &mockSession{fetchResults: []fetchResult{{msgs: []*discordgo.Message{
		msg("1234567890123456790", "a", "newer"),
	}}}}
	c, _ := newTestClient(t, sess)

	wm, err := ParseSnowflake("1234567890123456789")
	require.NoError(t, err)
	got, err := c.FetchRecent(context.Background(), "42", wm, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFetchRecent_RateLimitWaitsAndRetries(t *testing.T) {
	sess := &mockSession{fetchResults: []fetchResult{
		{err: rateLimitErr(7 * time.Second)},
		{msgs: []*discordgo.Message{msg("200", "a", "hi")}},
	}}
	c, sl := newTestClient(t, sess)

	got, err := c.FetchRecent(context.Background(), "42", 0, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.Len(t, sl.slept, 1)
	assert.GreaterOrEqual(t, sl.slept[0], 7*time.Second)
	assert.Len(t, sess.fetchCalls, 2)
}

func TestFetchRecent_RateLimitHonoursCancel(t *testing.T) {
	sess := &mockSession{fetchResults: []fetchResult{{err: rateLimitErr(time.Second)}}}
	c, sl := newTestClient(t, sess)
	sl.cancel = true

	_, err := c.FetchRecent(context.Background(), "42", 0, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchRecent_NetworkErrorYieldsEmpty(t *testing.T) {
	netErr := &urlErr{}
	sess := &mockSession{fetchResults: []fetchResult{{err: netErr}}}
	c, sl := newTestClient(t, sess)

	got, err := c.FetchRecent(context.Background(), "42", 0, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []time.Duration{DefaultNetworkBackoff}, sl.slept)
}

func TestFetchRecent_UnauthorizedIsReturned(t *testing.T) {
	sess := &mockSession{fetchResults: []fetchResult{{err: restErr(401, "")}}}
	c, _ := newTestClient(t, sess)

	_, err := c.FetchRecent(context.Background(), "42", 0, 5)
	assert.True(t, IsUnauthorized(err))
}

func TestFetchIdentity(t *testing.T) {
	sess := &mockSession{user: &discordgo.User{ID: "80351110224678912", Username: "nelly", Discriminator: "1337", Avatar: "8342729096ea3675442027381ff50dfe"}}
	c, _ := newTestClient(t, sess)

	id, err := c.FetchIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nelly#1337", id.Tag())
	assert.Equal(t, "nelly", id.DisplayName())
	assert.Contains(t, id.AvatarURL(), "avatars/80351110224678912/8342729096ea3675442027381ff50dfe")
}

func TestIdentity_DefaultAvatar(t *testing.T) {
	id := Identity{ID: "80351110224678912", Username: "nelly", Discriminator: "1337"}
	assert.Contains(t, id.AvatarURL(), "embed/avatars/2.png")
}

func TestSnowflake_JSON(t *testing.T) {
	var v struct {
		ID Snowflake `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"18446744073709551615"}`), &v))
	assert.Equal(t, Snowflake(^uint64(0)), v.ID)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"18446744073709551615"}`, string(out))

	_, err = ParseSnowflake("12.5")
	assert.Error(t, err)
}

// urlErr is a minimal net.Error.
type urlErr struct{}

func (*urlErr) Error() string   { return "dial tcp: connection refused" }
func (*urlErr) Timeout() bool   { return false }
func (*urlErr) Temporary() bool { return true }

// --- End-to-end through discordgo with a stubbed transport ---

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClient_RealSessionClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"401", 401, `{"message": "401: Unauthorized", "code": 0}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
		}},
		{"429", 429, `{"message": "You are being rate limited.", "retry_after": 2.5, "global": false}`, func(t *testing.T, err error) {
			var rl *RateLimitedError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 2500*time.Millisecond, rl.RetryAfter)
		}},
		{"500", 500, `{"message": "oops"}`, func(t *testing.T, err error) {
			var no *NotOKError
			require.ErrorAs(t, err, &no)
			assert.Equal(t, 500, no.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth string
			hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				gotAuth = r.Header.Get("Authorization")
				return stubResponse(tt.status, tt.body), nil
			})}
			c, err := New("user-token", Options{HTTPClient: hc, Logger: zerolog.Nop()})
			require.NoError(t, err)

			_, err = c.SendMessage(context.Background(), "42", "$wa")
			tt.check(t, err)
			assert.Equal(t, "user-token", gotAuth)
		})
	}
}

func TestClient_RealSessionNetworkError(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset by peer")
	})}
	c, err := New("user-token", Options{HTTPClient: hc, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = c.SendMessage(context.Background(), "42", "$wa")
	var ne *NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestClient_RealSessionFetch(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "100", r.URL.Query().Get("after"))
		return stubResponse(200, `[
			{"id": "102", "content": "b", "author": {"id": "432610292342587392"},
			 "embeds": [{"description": "React with any emoji to claim!", "author": {"name": "Rem"}}]},
			{"id": "101", "content": "a", "author": {"id": "7"}}
		]`), nil
	})}
	c, err := New("user-token", Options{HTTPClient: hc, Logger: zerolog.Nop()})
	require.NoError(t, err)

	got, err := c.FetchRecent(context.Background(), "42", 100, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Rem", got[0].Embeds[0].AuthorName)
	assert.Equal(t, "432610292342587392", got[0].AuthorID)
}
