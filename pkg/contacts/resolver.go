// Package contacts resolves free-form contact references ("gotham",
// "98765...") to canonical addressbook names with fuzzy matching and
// ambiguity detection. It is consumed by the command builder; it performs
// no I/O beyond loading the registry.
package contacts

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Contact is one addressbook entry.
type Contact struct {
	Name         string `json:"name"`
	WhatsAppName string `json:"whatsapp_name,omitempty"`
	Alias        string `json:"alias,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Candidate is a scored resolution candidate.
type Candidate struct {
	Name  string
	Score float64
}

var (
	nonWordRe    = regexp.MustCompile(`[^\w\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonDigitRe   = regexp.MustCompile(`\D`)
)

func norm(s string) string {
	s = nonWordRe.ReplaceAllString(s, "")
	return strings.ToLower(strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " ")))
}

func digits(s string) string {
	return nonDigitRe.ReplaceAllString(s, "")
}

// Resolver matches queries against a contact registry. Immutable after
// construction, so it is safe for concurrent use.
type Resolver struct {
	contacts    map[string]Contact
	keys        []string
	variants    map[string][]string
	corrections map[string]string
}

// NewResolver builds a resolver over the given registry, keyed by canonical
// name. corrections maps known transcription errors to canonical names and
// may be nil.
func NewResolver(registry map[string]Contact, corrections map[string]string) *Resolver {
	r := &Resolver{
		contacts:    make(map[string]Contact, len(registry)),
		variants:    make(map[string][]string, len(registry)),
		corrections: make(map[string]string, len(corrections)),
	}
	for k, v := range registry {
		r.contacts[k] = v
		r.keys = append(r.keys, k)

		seen := map[string]bool{}
		add := func(s string) {
			if s != "" && !seen[s] {
				seen[s] = true
				r.variants[k] = append(r.variants[k], s)
			}
		}
		add(norm(k))
		add(norm(v.Name))
		add(norm(v.WhatsAppName))
		add(norm(v.Alias))
		add(digits(v.Phone))
	}
	sort.Strings(r.keys)
	for k, v := range corrections {
		r.corrections[norm(k)] = norm(v)
	}
	return r
}

// NewResolverFromFile loads a JSON registry of canonical-name -> contact.
func NewResolverFromFile(path string, corrections map[string]string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contacts: read registry: %w", err)
	}
	var registry map[string]Contact
	if err := json.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("contacts: parse registry: %w", err)
	}
	return NewResolver(registry, corrections), nil
}

// Candidates returns up to n canonical names scoring at least cutoff,
// sorted descending by score. Exact phone, correction-map and exact name
// matches short-circuit with score 1.0.
func (r *Resolver) Candidates(query string, n int, cutoff float64) []Candidate {
	q := norm(query)
	if q == "" {
		return nil
	}

	if corrected, ok := r.corrections[q]; ok {
		for _, k := range r.keys {
			if norm(k) == corrected {
				return []Candidate{{Name: k, Score: 1.0}}
			}
		}
	}

	if qd := digits(query); qd != "" {
		for _, k := range r.keys {
			if pd := digits(r.contacts[k].Phone); pd != "" && pd == qd {
				return []Candidate{{Name: k, Score: 1.0}}
			}
		}
	}

	for _, k := range r.keys {
		if q == norm(k) {
			return []Candidate{{Name: k, Score: 1.0}}
		}
	}

	var scored []Candidate
	for _, k := range r.keys {
		best := 0.0
		for _, variant := range r.variants[k] {
			if strings.Contains(variant, q) || strings.Contains(q, variant) {
				if 0.8 > best {
					best = 0.8
				}
			}
			if s := similarity(q, variant); s > best {
				best = s
			}
		}
		if best >= cutoff {
			scored = append(scored, Candidate{Name: k, Score: best})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored
}

// FindBest returns the single canonical name when one candidate clearly
// wins: sole candidate, a 0.10 margin over the runner-up, or a score of
// at least 0.85 (0.90 always accepted). Otherwise it reports no match so
// the caller can ask for clarification instead of guessing.
func (r *Resolver) FindBest(query string) (string, bool) {
	const cutoff = 0.6
	cands := r.Candidates(query, 5, cutoff)
	if len(cands) == 0 {
		return "", false
	}
	if len(cands) == 1 {
		return cands[0].Name, true
	}
	top, second := cands[0], cands[1]
	if top.Score >= cutoff && (top.Score-second.Score >= 0.10 || top.Score >= 0.85) {
		return top.Name, true
	}
	if top.Score >= 0.90 {
		return top.Name, true
	}
	return "", false
}

// similarity is a character-bigram Dice coefficient, a close stand-in for
// difflib's ratio over short name strings.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0.0
	}
	overlap := 0
	for bg, count := range ba {
		if other, ok := bb[bg]; ok {
			if other < count {
				overlap += other
			} else {
				overlap += count
			}
		}
	}
	total := 0
	for _, c := range ba {
		total += c
	}
	for _, c := range bb {
		total += c
	}
	return 2.0 * float64(overlap) / float64(total)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}
