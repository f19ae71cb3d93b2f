// Package discord wraps the four REST calls the automation makes with a
// user credential, classifying failures into a small error taxonomy.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// DefaultNetworkBackoff is how long FetchRecent waits after a transport failure.
const DefaultNetworkBackoff = 15 * time.Second

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Transport is the set of remote operations the automation engine needs.
type Transport interface {
	SendMessage(ctx context.Context, channelID, text string) (*Message, error)
	AddReaction(ctx context.Context, channelID string, messageID Snowflake, emoji string) error
	FetchRecent(ctx context.Context, channelID string, after Snowflake, limit int) ([]Message, error)
	FetchIdentity(ctx context.Context) (*Identity, error)
}

// Options configures a Client.
type Options struct {
	Logger zerolog.Logger
	// HTTPClient replaces discordgo's default client when set.
	HTTPClient *http.Client
	// NetworkBackoff overrides DefaultNetworkBackoff.
	NetworkBackoff time.Duration
	// For testing: inject a mock session instead of the real REST API.
	Session session
	// For testing: replace the context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client performs REST calls for a single credential.
type Client struct {
	sess           session
	log            zerolog.Logger
	networkBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

var _ Transport = (*Client)(nil)

// New creates a Client for token. The token is sent verbatim in the
// Authorization header. discordgo's built-in 429 retry is disabled so the
// caller sees RateLimitedError and decides.
func New(token string, opts Options) (*Client, error) {
	c := &Client{
		sess:           opts.Session,
		log:            opts.Logger,
		networkBackoff: opts.NetworkBackoff,
		sleep:          opts.Sleep,
	}
	if c.networkBackoff <= 0 {
		c.networkBackoff = DefaultNetworkBackoff
	}
	if c.sleep == nil {
		c.sleep = sleepWithContext
	}
	if c.sess != nil {
		return c, nil
	}

	if token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	if opts.HTTPClient != nil {
		s.Client = opts.HTTPClient
	}
	c.sess = s
	return c, nil
}

// SendMessage posts text to channelID. It never retries.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) (*Message, error) {
	m, err := c.sess.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out, err := convertMessage(m)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddReaction attaches emoji to a message. Callers log failures and move on.
func (c *Client) AddReaction(ctx context.Context, channelID string, messageID Snowflake, emoji string) error {
	return classify(c.sess.MessageReactionAdd(channelID, messageID.String(), emoji, discordgo.WithContext(ctx)))
}

// FetchRecent returns up to limit messages strictly newer than after (or the
// latest messages when after is zero), newest first.
//
// Rate limits are waited out and retried for as long as the server asks.
// A network failure waits NetworkBackoff and yields an empty batch so a
// polling caller simply tries again next cycle.
func (c *Client) FetchRecent(ctx context.Context, channelID string, after Snowflake, limit int) ([]Message, error) {
	afterID := ""
	if after > 0 {
		afterID = after.String()
	}
	for {
		raw, err := c.sess.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
		if err == nil {
			return filterNewer(raw, after), nil
		}

		err = classify(err)
		var rl *RateLimitedError
		var ne *NetworkError
		switch {
		case errors.As(err, &rl):
			c.log.Warn().Str("channel", channelID).Dur("retry_after", rl.RetryAfter).Msg("rate limited while fetching messages")
			if err := c.sleep(ctx, rl.RetryAfter); err != nil {
				return nil, err
			}
		case errors.As(err, &ne):
			c.log.Warn().Err(ne.Err).Str("channel", channelID).Msg("network error while fetching messages")
			if err := c.sleep(ctx, c.networkBackoff); err != nil {
				return nil, err
			}
			return nil, nil
		default:
			return nil, err
		}
	}
}

// FetchIdentity returns the account that owns the credential.
func (c *Client) FetchIdentity(ctx context.Context) (*Identity, error) {
	u, err := c.sess.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return convertUser(u), nil
}

func filterNewer(raw []*discordgo.Message, after Snowflake) []Message {
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m == nil {
			continue
		}
		msg, err := convertMessage(m)
		if err != nil || msg.ID <= after {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// sleepWithContext sleeps for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
