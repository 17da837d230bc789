// Package memory keeps a short-term, TTL-bounded record of recently built
// commands so the builder can resolve pronouns and "the previous one"
// style references deterministically.
package memory

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

var pronouns = map[string]bool{
	"him": true, "her": true, "them": true, "it": true, "that": true,
	"this": true, "they": true, "he": true, "she": true, "itself": true,
	"himself": true, "herself": true, "previous": true, "last": true,
	"earlier": true, "recent": true, "again": true, "previously": true,
	"previous contact": true,
}

var (
	leadingNoiseRe  = regexp.MustCompile(`(?i)^(my\s+friend\s+|my\s+pal\s+|my\s+|friend\s+|the\s+|a\s+)`)
	trailingNoiseRe = regexp.MustCompile(`(?i)\b(again|please|now|earlier|previous contact|previous|previously|last)\b`)
	spacesRe        = regexp.MustCompile(`\s+`)
	previousRefRe   = regexp.MustCompile(`(?i)\b(previous(\s+contact)?|last|earlier|again|one i messaged|one i texted|recent(ly)?)\b`)
	hasLetterRe     = regexp.MustCompile(`[A-Za-z]`)
)

var titleCaser = cases.Title(language.English)

// cleanReference strips conversational noise ("my friend akshat again") and
// title-cases name-like strings.
func cleanReference(s string) string {
	s = leadingNoiseRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = trailingNoiseRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
	if hasLetterRe.MatchString(s) {
		return titleCaser.String(strings.ToLower(s))
	}
	return s
}

type record struct {
	at    time.Time
	facts map[string]command.Value
}

// Recorder is the TTL + size bounded short-term store. Safe for concurrent
// use.
type Recorder struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries []record
}

// NewRecorder creates a Recorder holding at most maxEntries records for at
// most ttl each. Non-positive arguments fall back to 50 entries / 10min.
func NewRecorder(maxEntries int, ttl time.Duration) *Recorder {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Recorder{maxEntries: maxEntries, ttl: ttl, now: time.Now}
}

func (r *Recorder) trimLocked() {
	now := r.now()
	for len(r.entries) > 0 && now.Sub(r.entries[0].at) > r.ttl {
		r.entries = r.entries[1:]
	}
	for len(r.entries) > r.maxEntries {
		r.entries = r.entries[1:]
	}
}

// UpdateFromCommand records the interesting facts of a freshly built
// command for later reference resolution.
func (r *Recorder) UpdateFromCommand(cmd command.Command) {
	facts := map[string]command.Value{
		"last_intent": command.String(cmd.Intent),
	}
	for _, key := range []string{"app", "contact", "device", "text"} {
		if v, ok := cmd.Entities.Get(key); ok && !v.IsEmpty() {
			facts["last_"+key] = v
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, record{at: r.now(), facts: facts})
	r.trimLocked()
}

// GetMostRecent returns the newest unexpired value recorded under key
// (e.g. "last_contact").
func (r *Recorder) GetMostRecent(key string) (command.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if now.Sub(r.entries[i].at) > r.ttl {
			continue
		}
		if v, ok := r.entries[i].facts[key]; ok && !v.IsEmpty() {
			return v, true
		}
	}
	return command.Null(), false
}

// resolvePronoun maps a bare pronoun to the most recent plausible referent.
func (r *Recorder) resolvePronoun(token string) (command.Value, bool) {
	t := strings.ToLower(strings.TrimSpace(token))
	if !pronouns[t] {
		return command.Null(), false
	}
	for _, key := range []string{"last_contact", "last_device", "last_app", "last_text"} {
		if v, ok := r.GetMostRecent(key); ok {
			return v, true
		}
	}
	return command.Null(), false
}

// FillMissingEntities patches the entity map for each required key that is
// missing or pronoun-like, using recent history. rawText is consulted to
// decide whether the user actually referenced something previous; the
// recorder never invents referents on its own.
func (r *Recorder) FillMissingEntities(entities command.Entities, required []string, rawText string) command.Entities {
	out := entities.Clone()
	mentionsPrevious := previousRefRe.MatchString(rawText)

	for _, key := range required {
		val, present := out.Get(key)

		if present {
			if s, ok := val.AsString(); ok && strings.TrimSpace(s) != "" {
				if pronouns[strings.ToLower(strings.TrimSpace(s))] {
					if resolved, ok := r.resolvePronoun(s); ok {
						out[key] = resolved
					}
				} else {
					out[key] = command.String(cleanReference(s))
				}
				continue
			}
		}

		if (!present || val.IsEmpty()) && mentionsPrevious {
			if candidate, ok := r.GetMostRecent("last_" + key); ok {
				out[key] = candidate
			}
		}
	}

	if s, ok := out["contact"].AsString(); ok && s != "" {
		out["contact"] = command.String(cleanReference(s))
	}
	return out
}

// Snapshot returns the most recent value per recorded fact key, newest
// wins. Useful for handing planners a flat context map.
func (r *Recorder) Snapshot() map[string]command.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := map[string]command.Value{}
	for i := len(r.entries) - 1; i >= 0; i-- {
		if now.Sub(r.entries[i].at) > r.ttl {
			break
		}
		for k, v := range r.entries[i].facts {
			if _, seen := out[k]; !seen && !v.IsEmpty() {
				out[k] = v
			}
		}
	}
	return out
}
