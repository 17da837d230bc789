// Package policy loads the externally managed policy document (allow-lists,
// high-risk intents, role requirements, custom rules) and hot-reloads it on
// modification. Invalid or missing documents fall back to built-in safe
// defaults.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Rule is a custom policy rule: a CEL expression over the command/user
// input that, when true, forces the given effect.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Effect string `yaml:"effect" json:"effect"` // "block" or "confirm"
}

// Document is the externally loaded policy shape.
type Document struct {
	AllowedOSIntents []string            `yaml:"ALLOWED_OS_INTENTS" json:"ALLOWED_OS_INTENTS"`
	HighRiskIntents  []string            `yaml:"HIGH_RISK_INTENTS" json:"HIGH_RISK_INTENTS"`
	RoleRequirements map[string][]string `yaml:"INTENT_ROLE_REQUIREMENTS" json:"INTENT_ROLE_REQUIREMENTS"`
	DenyRules        []Rule              `yaml:"DENY_RULES" json:"DENY_RULES"`
}

const documentSchema = `{
  "type": "object",
  "properties": {
    "ALLOWED_OS_INTENTS": {"type": "array", "items": {"type": "string"}},
    "HIGH_RISK_INTENTS": {"type": "array", "items": {"type": "string"}},
    "INTENT_ROLE_REQUIREMENTS": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "DENY_RULES": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr", "effect"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expr": {"type": "string", "minLength": 1},
          "effect": {"enum": ["block", "confirm"]}
        }
      }
    }
  }
}`

func defaults() Document {
	return Document{
		AllowedOSIntents: []string{"open_app", "close_app", "set_volume", "mute", "unmute", "browser_search"},
		HighRiskIntents:  []string{"shutdown", "restart", "sleep", "factory_reset"},
		RoleRequirements: map[string][]string{
			"shutdown":      {"admin"},
			"restart":       {"admin"},
			"sleep":         {"admin"},
			"factory_reset": {"admin"},
			"format_disk":   {"admin"},
			"unlock_door":   {"home_owner", "admin"},
		},
	}
}

// Store serves policy reads and transparently reloads the backing file when
// its mtime advances.
type Store struct {
	path   string
	logger *slog.Logger
	schema *jsonschema.Schema

	mu    sync.RWMutex
	doc   Document
	mtime time.Time
}

// NewStore loads path immediately; a missing or invalid file leaves the
// built-in safe defaults in place.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.schema.json", strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("policy: embedded schema resource: %v", err))
	}
	schema, err := compiler.Compile("policy.schema.json")
	if err != nil {
		panic(fmt.Sprintf("policy: embedded schema invalid: %v", err))
	}

	s := &Store{path: path, logger: logger, schema: schema, doc: defaults()}
	s.Reload()
	return s
}

// Reload re-reads the policy file unconditionally. Invalid content is
// rejected and the previously loaded (or default) document is kept.
func (s *Store) Reload() {
	doc, mtime, err := s.read()
	if err != nil {
		s.logger.Warn("policy load failed, keeping previous policy", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	s.doc = doc
	s.mtime = mtime
	s.mu.Unlock()
	s.logger.Info("policy loaded", "path", s.path)
}

// checkReload reloads when the file's mtime has advanced since the last
// successful load.
func (s *Store) checkReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	stale := info.ModTime().After(s.mtime)
	s.mu.RUnlock()
	if stale {
		s.Reload()
	}
}

func (s *Store) read() (Document, time.Time, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return Document{}, time.Time{}, fmt.Errorf("stat: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, time.Time{}, fmt.Errorf("read: %w", err)
	}

	// YAML is a superset of JSON, so one decoder covers both formats.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, time.Time{}, fmt.Errorf("parse: %w", err)
	}
	normalized, err := normalizeForValidation(raw)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	if err := s.schema.Validate(normalized); err != nil {
		return Document{}, time.Time{}, fmt.Errorf("schema: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, time.Time{}, fmt.Errorf("decode: %w", err)
	}
	merged := defaults()
	if doc.AllowedOSIntents != nil {
		merged.AllowedOSIntents = doc.AllowedOSIntents
	}
	if doc.HighRiskIntents != nil {
		merged.HighRiskIntents = doc.HighRiskIntents
	}
	if doc.RoleRequirements != nil {
		merged.RoleRequirements = doc.RoleRequirements
	}
	merged.DenyRules = doc.DenyRules
	return merged, info.ModTime(), nil
}

// normalizeForValidation round-trips a yaml-decoded value through
// encoding/json so the schema validator sees JSON-native types.
func normalizeForValidation(raw any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// AllowedOSIntents returns the os-domain intent allow-list.
func (s *Store) AllowedOSIntents() []string {
	s.checkReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.doc.AllowedOSIntents...)
}

// HighRiskIntents returns the destructive/hard-to-reverse intent list.
func (s *Store) HighRiskIntents() []string {
	s.checkReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.doc.HighRiskIntents...)
}

// RoleRequirements returns the per-intent required-role map.
func (s *Store) RoleRequirements() map[string][]string {
	s.checkReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.doc.RoleRequirements))
	for k, v := range s.doc.RoleRequirements {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// DenyRules returns the custom CEL rules, possibly empty.
func (s *Store) DenyRules() []Rule {
	s.checkReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.doc.DenyRules...)
}

// IsHighRisk reports whether intent is in the high-risk list.
func (s *Store) IsHighRisk(intent string) bool {
	for _, i := range s.HighRiskIntents() {
		if i == intent {
			return true
		}
	}
	return false
}

// IsOSIntentAllowed reports whether an os-domain intent is executable at
// all: either explicitly allowed or known high-risk (high-risk intents are
// still subject to the dry-run and admin gates downstream).
func (s *Store) IsOSIntentAllowed(intent string) bool {
	for _, i := range s.AllowedOSIntents() {
		if i == intent {
			return true
		}
	}
	return s.IsHighRisk(intent)
}
