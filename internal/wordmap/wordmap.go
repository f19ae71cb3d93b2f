// Package wordmap resolves 3-letter word-game prompts to precomputed answers.
package wordmap

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// DefaultFallback is sent when no word is known for a combination.
const DefaultFallback = "give up"

// Table maps a lowercase 3-character combination to a word containing it.
// A Table is never mutated after it is loaded.
type Table map[string]string

// Parse decodes a JSON object of combination to word. Null values and
// malformed keys are dropped.
func Parse(r io.Reader) (Table, error) {
	var raw map[string]*string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("wordmap: decode: %w", err)
	}
	t := make(Table, len(raw))
	for k, v := range raw {
		if v == nil || *v == "" {
			continue
		}
		key, ok := normalize(k)
		if !ok {
			continue
		}
		t[key] = *v
	}
	return t, nil
}

// Resolve returns the word for combo, if any.
func (t Table) Resolve(combo string) (string, bool) {
	key, ok := normalize(combo)
	if !ok {
		return "", false
	}
	w, ok := t[key]
	return w, ok
}

// Resolver answers prompts from a Table, falling back to a fixed token.
type Resolver struct {
	table    Table
	fallback string
}

// NewResolver returns a Resolver over t. An empty fallback uses DefaultFallback.
func NewResolver(t Table, fallback string) *Resolver {
	if fallback == "" {
		fallback = DefaultFallback
	}
	if t == nil {
		t = Table{}
	}
	return &Resolver{table: t, fallback: fallback}
}

// Lookup returns the word for combo or the fallback token.
func (r *Resolver) Lookup(combo string) string {
	if w, ok := r.table.Resolve(combo); ok {
		return w
	}
	return r.fallback
}

// Fallback returns the give-up token.
func (r *Resolver) Fallback() string { return r.fallback }

// Len reports how many combinations have an answer.
func (r *Resolver) Len() int { return len(r.table) }

func normalize(combo string) (string, bool) {
	s := strings.ToLower(combo)
	if utf8.RuneCountInString(s) != 3 {
		return "", false
	}
	return s, true
}
