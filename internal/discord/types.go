package discord

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// Snowflake is a message or user identifier. Snowflakes exceed the safe
// range of float64, so they are compared as uint64 and travel as strings.
type Snowflake uint64

// ParseSnowflake parses a decimal snowflake string.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("discord: invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// MarshalText encodes the snowflake as a decimal string.
func (s Snowflake) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a decimal string.
func (s *Snowflake) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSnowflake(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Embed is the subset of a rich embed the automation reads.
type Embed struct {
	Title       string
	Description string
	AuthorName  string
}

// Message is a fetched or sent channel message.
type Message struct {
	ID       Snowflake
	AuthorID string
	Content  string
	Embeds   []Embed
}

// Identity is the account behind a credential.
type Identity struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"globalName,omitempty"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// DisplayName returns the global display name, falling back to the username.
func (i Identity) DisplayName() string {
	return i.user().DisplayName()
}

// Tag returns username or username#discriminator for legacy accounts.
func (i Identity) Tag() string {
	return i.user().String()
}

// AvatarURL returns the CDN URL of the avatar, or the default avatar when
// none is set.
func (i Identity) AvatarURL() string {
	return i.user().AvatarURL("")
}

func (i Identity) user() *discordgo.User {
	return &discordgo.User{
		ID:            i.ID,
		Username:      i.Username,
		GlobalName:    i.GlobalName,
		Discriminator: i.Discriminator,
		Avatar:        i.Avatar,
	}
}

func convertMessage(m *discordgo.Message) (Message, error) {
	id, err := ParseSnowflake(m.ID)
	if err != nil {
		return Message{}, err
	}
	out := Message{ID: id, Content: m.Content}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		emb := Embed{Title: e.Title, Description: e.Description}
		if e.Author != nil {
			emb.AuthorName = e.Author.Name
		}
		out.Embeds = append(out.Embeds, emb)
	}
	return out, nil
}

func convertUser(u *discordgo.User) *Identity {
	return &Identity{
		ID:            u.ID,
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
	}
}
