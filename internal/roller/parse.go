package roller

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/keywords"
)

// Each recognised game message has one parser here so that a change in the
// game's wording only touches one function.

var quotaPattern = regexp.MustCompile(`You have \*\*(\d+)\*\* rolls left\. Next rolls reset in \*\*(\d+)\*\* min\.`)

// parseQuota extracts rolls left and minutes until reset from the quota
// command's reply.
func parseQuota(text string) (rolls, minutes int, ok bool) {
	m := quotaPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	rolls, _ = strconv.Atoi(m[1])
	minutes, _ = strconv.Atoi(m[2])
	return rolls, minutes, true
}

// matchClaim reports the embed author label of a claimable drop whose label
// is on the keyword list.
func matchClaim(m discord.Message, s Settings, kw *keywords.Matcher) (string, bool) {
	if m.AuthorID != s.SystemAuthorID || len(m.Embeds) == 0 {
		return "", false
	}
	content := strings.ToLower(m.Content)
	for _, marker := range s.SkipMarkers {
		if marker != "" && strings.Contains(content, strings.ToLower(marker)) {
			return "", false
		}
	}
	phrase := strings.ToLower(s.ClaimPhrase)
	for _, e := range m.Embeds {
		if !strings.Contains(strings.ToLower(e.Description), phrase) {
			continue
		}
		if e.AuthorName == "" {
			continue
		}
		if _, ok := kw.Match(e.AuthorName); ok {
			return e.AuthorName, true
		}
	}
	return "", false
}

var loosePrompt = regexp.MustCompile(`\*\*(.{3})\*\*`)

// wordPrompt matches the word game's prompt addressed to one account.
type wordPrompt struct {
	selfID string
	strict *regexp.Regexp
}

func newWordPrompt(selfID string) *wordPrompt {
	p := &wordPrompt{selfID: selfID}
	if selfID != "" {
		p.strict = regexp.MustCompile(`(?i)^\S+\s+<@!?` + regexp.QuoteMeta(selfID) + `>\s+Type a word containing:\s+\*\*(.{3})\*\*`)
	}
	return p
}

// match returns the lower-cased 3-character requirement. The strict template
// is tried first; the loose "**abc**" form is accepted only when allowLoose
// is set.
func (p *wordPrompt) match(content string, allowLoose bool) (string, bool) {
	if p.strict != nil {
		if m := p.strict.FindStringSubmatch(content); m != nil {
			return strings.ToLower(m[1]), true
		}
	}
	if !allowLoose {
		return "", false
	}
	if m := loosePrompt.FindStringSubmatch(content); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// mentions reports whether content mentions the account.
func (p *wordPrompt) mentions(content string) bool {
	if p.selfID == "" {
		return false
	}
	return strings.Contains(content, "<@"+p.selfID+">") || strings.Contains(content, "<@!"+p.selfID+">")
}

// matchJoin reports whether m announces a word game that is joined by reacting.
func matchJoin(m discord.Message, s Settings) bool {
	if m.AuthorID != s.SystemAuthorID {
		return false
	}
	for _, e := range m.Embeds {
		for _, t := range s.JoinTitles {
			if t != "" && strings.Contains(e.Title, t) {
				return true
			}
		}
	}
	return false
}
