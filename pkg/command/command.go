// Package command defines the validated unit of work flowing through the
// guard, dispatch, chain and workflow layers, plus the typed entity values
// it carries.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/FreezinGaits/kyrax-engine/pkg/canonicalize"
)

// Command is the canonical, execution-first action representation. It is
// immutable once built: derive modified copies with WithEntities instead of
// mutating in place.
type Command struct {
	Intent     string            `json:"intent"`
	Domain     string            `json:"domain"`
	Entities   Entities          `json:"entities"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
	ContextID  string            `json:"context_id,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Validate performs the structural sanity checks required before dispatch.
// A failure here is a programming error in the caller, not a runtime
// condition.
func (c Command) Validate() error {
	if c.Intent == "" {
		return fmt.Errorf("command: empty intent")
	}
	if c.Domain == "" {
		return fmt.Errorf("command: empty domain")
	}
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return fmt.Errorf("command: confidence %v outside [0,1]", c.Confidence)
	}
	return nil
}

// Get returns the entity value for key, or Null when absent.
func (c Command) Get(key string) Value {
	if c.Entities == nil {
		return Null()
	}
	v, ok := c.Entities[key]
	if !ok {
		return Null()
	}
	return v
}

// WithEntities returns a copy of the command with its entities replaced.
// All other fields (including meta) are deep-copied so neither command
// aliases the other.
func (c Command) WithEntities(entities Entities) Command {
	out := c
	out.Entities = entities
	if c.Meta != nil {
		out.Meta = make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// CanonicalJSON serializes the command as RFC 8785 canonical JSON, keys
// sorted, suitable for hashing and reproducible logging.
func (c Command) CanonicalJSON() ([]byte, error) {
	return canonicalize.JCS(c)
}

// FromJSON deserializes a command from its wire format.
func FromJSON(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("command: decode: %w", err)
	}
	if c.Entities == nil {
		c.Entities = Entities{}
	}
	return c, nil
}

func (c Command) String() string {
	return fmt.Sprintf("Command(intent=%q, domain=%q, confidence=%.2f, source=%q)",
		c.Intent, c.Domain, c.Confidence, c.Source)
}
