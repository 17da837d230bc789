// Package builder turns loosely typed interpretation results into validated
// commands, or a list of issues the caller can act on (re-prompt, patch from
// context, retry).
package builder

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

// Interpretation is the output contract of the upstream interpreter.
type Interpretation struct {
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
}

// ContextProvider backfills required entities from recent history. The
// builder never guesses pronoun referents itself.
type ContextProvider interface {
	FillMissingEntities(entities command.Entities, required []string, rawText string) command.Entities
	UpdateFromCommand(cmd command.Command)
}

// ContactResolver canonicalizes a free-form contact reference.
type ContactResolver interface {
	FindBest(query string) (string, bool)
}

// Options carries the optional collaborators for a single Build call.
type Options struct {
	Context  ContextProvider
	Resolver ContactResolver
	RawText  string
}

// Normalizer rewrites one entity value; an error is recorded as an issue
// but does not abort the build.
type Normalizer func(command.Value) (command.Value, error)

// Schema describes how one intent's entities are validated and shaped.
type Schema struct {
	Domain    string
	Required  []string
	Defaults  map[string]command.Value
	Normalize map[string]Normalizer
}

var defaultDomainMap = map[string]string{
	"send_message": "application",
	"open_app":     "os",
	"close_app":    "os",
	"set_volume":   "os",
	"turn_on":      "iot",
	"turn_off":     "iot",
	"play_music":   "application",
	"search_web":   "web",
	"take_note":    "file",
}

var appSynonyms = map[string][]string{
	"whatsapp": {"whatsapp", "whattsapp", "whats app", "wa"},
	"vscode":   {"vscode", "code", "visual studio code"},
	"chrome":   {"chrome", "google chrome"},
	"spotify":  {"spotify", "spotfy"},
	"telegram": {"telegram"},
}

var (
	nonWordRe  = regexp.MustCompile(`\W+`)
	nonDigitRe = regexp.MustCompile(`\D`)
	percentRe  = regexp.MustCompile(`-?\d+`)
	titleCaser = cases.Title(language.English)
)

func normalizeApp(v command.Value) (command.Value, error) {
	s, ok := v.AsString()
	if !ok {
		return v, nil
	}
	a := strings.ToLower(strings.TrimSpace(s))
	for canon, variants := range appSynonyms {
		for _, variant := range variants {
			if a == variant {
				return command.String(canon), nil
			}
		}
	}
	an := nonWordRe.ReplaceAllString(a, "")
	if an != "" {
		for canon, variants := range appSynonyms {
			for _, variant := range variants {
				if strings.Contains(nonWordRe.ReplaceAllString(variant, ""), an) {
					return command.String(canon), nil
				}
			}
		}
	}
	return command.String(a), nil
}

func normalizeContact(v command.Value) (command.Value, error) {
	s, ok := v.AsString()
	if !ok {
		return v, nil
	}
	c := strings.TrimSpace(s)
	if d := nonDigitRe.ReplaceAllString(c, ""); len(d) >= 7 {
		return command.String(d), nil
	}
	return command.String(titleCaser.String(strings.ToLower(c))), nil
}

func normalizeLower(v command.Value) (command.Value, error) {
	if s, ok := v.AsString(); ok {
		return command.String(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return v, nil
}

func normalizeTrim(v command.Value) (command.Value, error) {
	if s, ok := v.AsString(); ok {
		return command.String(strings.TrimSpace(s)), nil
	}
	return v, nil
}

// normalizeVolume accepts a number or a string like "72" or "72%" and
// yields an integer level clamped to [0, 100].
func normalizeVolume(v command.Value) (command.Value, error) {
	var level int
	if n, ok := v.AsNumber(); ok {
		level = int(n)
	} else if s, ok := v.AsString(); ok {
		m := percentRe.FindString(s)
		if m == "" {
			return v, fmt.Errorf("no numeric level in %q", s)
		}
		parsed, err := strconv.Atoi(m)
		if err != nil {
			return v, fmt.Errorf("parse %q: %w", m, err)
		}
		level = parsed
	} else {
		return v, fmt.Errorf("unsupported level type %s", v.Kind())
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return command.Int(level), nil
}

// DefaultSchemas returns the built-in intent schemas. Callers may adjust
// the returned map before handing it to New.
func DefaultSchemas() map[string]Schema {
	return map[string]Schema{
		"send_message": {
			Domain:   "application",
			Required: []string{"contact", "text"},
			Defaults: map[string]command.Value{"app": command.String("whatsapp")},
			Normalize: map[string]Normalizer{
				"app":     normalizeApp,
				"contact": normalizeContact,
				"text":    normalizeTrim,
			},
		},
		"open_app": {
			Domain:    "os",
			Required:  []string{"app"},
			Normalize: map[string]Normalizer{"app": normalizeApp},
		},
		"close_app": {
			Domain:    "os",
			Required:  []string{"app"},
			Normalize: map[string]Normalizer{"app": normalizeApp},
		},
		"set_volume": {
			Domain:    "os",
			Required:  []string{"level"},
			Normalize: map[string]Normalizer{"level": normalizeVolume},
		},
		"turn_on": {
			Domain:   "iot",
			Required: []string{"device"},
			Defaults: map[string]command.Value{"location": command.Null()},
			Normalize: map[string]Normalizer{
				"device":   normalizeLower,
				"location": normalizeLower,
			},
		},
		"turn_off": {
			Domain:   "iot",
			Required: []string{"device"},
			Defaults: map[string]command.Value{"location": command.Null()},
			Normalize: map[string]Normalizer{
				"device":   normalizeLower,
				"location": normalizeLower,
			},
		},
		"play_music": {
			Domain:   "application",
			Required: []string{"query"},
			Defaults: map[string]command.Value{"app": command.String("spotify")},
			Normalize: map[string]Normalizer{
				"query": normalizeTrim,
				"app":   normalizeApp,
			},
		},
		"search_web": {
			Domain:    "web",
			Required:  []string{"query"},
			Normalize: map[string]Normalizer{"query": normalizeTrim},
		},
		"take_note": {
			Domain:    "file",
			Required:  []string{"text"},
			Defaults:  map[string]command.Value{"filename": command.String("notes.txt")},
			Normalize: map[string]Normalizer{"text": normalizeTrim},
		},
	}
}

var vaguePrefixes = []string{"my ", "friend ", "previous", "last", "again", "the one", "earlier"}

// Builder validates and normalizes interpretations into commands.
type Builder struct {
	schemas map[string]Schema
	logger  *slog.Logger
}

// New returns a Builder with the built-in intent schemas. Pass a non-nil
// schemas map to replace or extend them.
func New(logger *slog.Logger, schemas ...map[string]Schema) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	merged := DefaultSchemas()
	for _, extra := range schemas {
		for intent, sch := range extra {
			merged[intent] = sch
		}
	}
	return &Builder{schemas: merged, logger: logger}
}

// Build converts an interpretation into a validated Command. A nil command
// with issues means the build failed; a non-nil command may still carry
// non-fatal issues (unknown schema, normalization failures).
func (b *Builder) Build(in Interpretation, opts Options) (*command.Command, []string) {
	var issues []string

	intent := strings.TrimSpace(in.Intent)
	if intent == "" {
		return nil, append(issues, "missing_intent")
	}
	source := in.Source
	if source == "" {
		source = "nlu"
	}
	conf := clamp01(in.Confidence)
	rawEntities := command.EntitiesFromAny(in.Entities)

	sch, known := b.schemas[intent]
	if !known {
		domain := defaultDomainMap[intent]
		if domain == "" {
			domain = "generic"
		}
		cmd := command.Command{
			Intent:     intent,
			Domain:     domain,
			Entities:   rawEntities,
			Confidence: conf,
			Source:     source,
		}
		return &cmd, append(issues, "unknown_intent_schema:"+intent)
	}

	entities := rawEntities.Clone()
	if opts.Context != nil {
		entities = opts.Context.FillMissingEntities(entities, sch.Required, opts.RawText)
	}

	for key, def := range sch.Defaults {
		if v, ok := entities.Get(key); !ok || v.IsEmpty() {
			entities[key] = def.Clone()
		}
	}

	// Contact canonicalization is best-effort; resolver misses leave the
	// raw string for the ambiguity check below.
	resolved := false
	if c, ok := entities["contact"].AsString(); ok && opts.Resolver != nil {
		if name, ok := opts.Resolver.FindBest(c); ok && name != "" {
			entities["contact"] = command.String(name)
			resolved = true
		}
	}

	for key, fn := range sch.Normalize {
		v, ok := entities.Get(key)
		if !ok || v.Kind() == command.KindNull {
			continue
		}
		nv, err := fn(v)
		if err != nil {
			issues = append(issues, fmt.Sprintf("normalization_failed:%s:%v", key, err))
			continue
		}
		entities[key] = nv
	}

	if c, ok := entities["contact"].AsString(); ok && c != "" && !resolved {
		if contactLooksVague(c, opts.Resolver != nil) {
			return nil, append(issues, "ambiguous_contact")
		}
	}

	var missing []string
	for _, req := range sch.Required {
		if v, ok := entities.Get(req); !ok || v.IsEmpty() {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		for _, m := range missing {
			issues = append(issues, "missing_required_entity:"+m)
		}
		return nil, issues
	}

	// Confidence only ever moves down: values not supplied directly by the
	// interpreter signal lower trust to the guard layer.
	adjusted := conf
	for _, req := range sch.Required {
		if v, ok := rawEntities.Get(req); !ok || v.IsEmpty() {
			adjusted = min(adjusted, 0.85)
			break
		}
	}
	if opts.Context != nil && requires(sch, "contact") {
		if v, ok := rawEntities.Get("contact"); !ok || v.IsEmpty() {
			adjusted = min(adjusted, 0.5)
		}
	}

	cmd := command.Command{
		Intent:     intent,
		Domain:     sch.Domain,
		Entities:   entities,
		Confidence: adjusted,
		Source:     source,
	}
	if err := cmd.Validate(); err != nil {
		b.logger.Error("built command failed validation", "intent", intent, "error", err)
		return nil, append(issues, "invalid_command:"+err.Error())
	}

	if opts.Context != nil {
		opts.Context.UpdateFromCommand(cmd)
	}
	return &cmd, issues
}

// contactLooksVague flags unresolved vague phrases. With a resolver in play
// a single vague prefix or a long phrase is enough; without one the check
// is looser to avoid rejecting plain multi-word names.
func contactLooksVague(contact string, hadResolver bool) bool {
	low := strings.ToLower(strings.TrimSpace(contact))
	prefixed := false
	for _, p := range vaguePrefixes {
		if strings.HasPrefix(low, p) {
			prefixed = true
			break
		}
	}
	tokens := len(strings.Fields(low))
	if hadResolver {
		return prefixed || tokens > 4
	}
	return prefixed && tokens > 3
}

func requires(sch Schema, field string) bool {
	for _, r := range sch.Required {
		if r == field {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
