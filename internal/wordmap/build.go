package wordmap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const letters = "abcdefghijklmnopqrstuvwxyz"

// MinWordLength is the shortest word Build will use as an answer.
const MinWordLength = 4

// ReadWords reads one word per line, lower-cased, skipping blanks and
// '#' comments.
func ReadWords(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		w := strings.ToLower(strings.TrimSpace(sc.Text()))
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		out = append(out, w)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wordmap: read words: %w", err)
	}
	return out, nil
}

// Build computes an answer for every a-z combination that some word
// contains. Denied words are never used. For each combination a word not yet
// chosen for another combination wins over a reused one, then the longer
// word, then the earlier word in the list.
func Build(words, deny []string) Table {
	denied := make(map[string]bool, len(deny))
	for _, d := range deny {
		denied[strings.ToLower(strings.TrimSpace(d))] = true
	}

	// Index candidate words by each 3-letter substring they contain.
	candidates := make(map[string][]int)
	seenWord := make(map[string]bool)
	var pool []string
	for _, w := range words {
		if len(w) < MinWordLength || denied[w] || seenWord[w] {
			continue
		}
		seenWord[w] = true
		idx := len(pool)
		pool = append(pool, w)

		seenCombo := make(map[string]bool)
		for i := 0; i+3 <= len(w); i++ {
			c := w[i : i+3]
			if !isLowerAlpha(c) || seenCombo[c] {
				continue
			}
			seenCombo[c] = true
			candidates[c] = append(candidates[c], idx)
		}
	}

	used := make(map[int]bool)
	t := make(Table)
	for _, a := range letters {
		for _, b := range letters {
			for _, c := range letters {
				combo := string([]rune{a, b, c})
				best := -1
				for _, idx := range candidates[combo] {
					if best < 0 || better(pool, used, idx, best) {
						best = idx
					}
				}
				if best >= 0 {
					used[best] = true
					t[combo] = pool[best]
				}
			}
		}
	}
	return t
}

func better(pool []string, used map[int]bool, a, b int) bool {
	if used[a] != used[b] {
		return !used[a]
	}
	if len(pool[a]) != len(pool[b]) {
		return len(pool[a]) > len(pool[b])
	}
	return a < b
}

func isLowerAlpha(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

// Write encodes t as the JSON object Parse reads. Combinations without an
// answer are written as null so the file documents its coverage gaps.
func (t Table) Write(w io.Writer) error {
	out := make(map[string]*string, 26*26*26)
	for _, a := range letters {
		for _, b := range letters {
			for _, c := range letters {
				combo := string([]rune{a, b, c})
				if word, ok := t[combo]; ok {
					word := word
					out[combo] = &word
				} else {
					out[combo] = nil
				}
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("wordmap: encode: %w", err)
	}
	return nil
}
