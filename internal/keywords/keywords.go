// Package keywords manages the list of names that trigger an automatic claim.
package keywords

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Load reads a JSON array of names. A missing file yields an empty list.
func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keywords: read %s: %w", path, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("keywords: %s is not a JSON array of strings: %w", path, err)
	}
	return names, nil
}

// Save writes names as an indented JSON array.
func Save(path string, names []string) error {
	if names == nil {
		names = []string{}
	}
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return fmt.Errorf("keywords: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("keywords: create dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("keywords: write %s: %w", path, err)
	}
	return nil
}

// Matcher does case-insensitive exact matching against a fixed name list.
type Matcher struct {
	byLower map[string]string
}

// NewMatcher builds a Matcher. Blank names are ignored.
func NewMatcher(names []string) *Matcher {
	m := &Matcher{byLower: make(map[string]string, len(names))}
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" {
			continue
		}
		if _, dup := m.byLower[key]; !dup {
			m.byLower[key] = n
		}
	}
	return m
}

// Match reports whether label equals a configured name, ignoring case and
// surrounding whitespace, and returns the configured spelling.
func (m *Matcher) Match(label string) (string, bool) {
	if m == nil {
		return "", false
	}
	n, ok := m.byLower[strings.ToLower(strings.TrimSpace(label))]
	return n, ok
}

// Len returns the number of distinct names.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byLower)
}

// rosterLine matches "#12 - Name 💞 - Series" as printed by the game's
// list commands. The heart marker is optional.
var rosterLine = regexp.MustCompile(`^#\d+\s*-\s*(.+?)(?:\s*💞)?\s*-\s*.+$`)

// ParseRoster extracts names from pasted roster text.
func ParseRoster(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		m := rosterLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if name := strings.TrimSpace(m[1]); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Merge appends names from add that existing lacks (case-insensitively),
// returning the merged list and how many were added.
func Merge(existing, add []string) ([]string, int) {
	seen := make(map[string]bool, len(existing)+len(add))
	merged := make([]string, 0, len(existing)+len(add))
	for _, n := range existing {
		seen[strings.ToLower(n)] = true
		merged = append(merged, n)
	}
	added := 0
	for _, n := range add {
		key := strings.ToLower(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, n)
		added++
	}
	return merged, added
}
