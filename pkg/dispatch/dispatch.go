// Package dispatch routes validated commands to registered skill backends,
// enforcing the confidence gate and the guard pipeline on the way.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
	"github.com/FreezinGaits/kyrax-engine/pkg/guard"
)

// Result is what a skill execution produces.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Code    int            `json:"code,omitempty"`
}

func failure(code int, format string, args ...any) *Result {
	return &Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Skill is one execution backend. Skills never call other skills and never
// let a panic or error escape uncaught past the dispatcher.
type Skill interface {
	Name() string
	CanHandle(cmd command.Command) bool
	Execute(ctx context.Context, cmd command.Command, execCtx map[string]any) (*Result, error)
}

// Registry holds skills in registration order; order is priority.
type Registry struct {
	mu     sync.RWMutex
	skills []Skill
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register appends a skill. Duplicate names are rejected.
func (r *Registry) Register(s Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.skills {
		if existing.Name() == s.Name() {
			return fmt.Errorf("dispatch: skill %q already registered", s.Name())
		}
	}
	r.skills = append(r.skills, s)
	return nil
}

// Unregister removes the named skill if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.skills {
		if s.Name() == name {
			r.skills = append(r.skills[:i], r.skills[i+1:]...)
			return
		}
	}
}

// List returns the registered skill names in priority order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.skills))
	for i, s := range r.skills {
		names[i] = s.Name()
	}
	return names
}

// FindHandler returns the first skill accepting cmd. A CanHandle panic
// skips that skill rather than poisoning the lookup.
func (r *Registry) FindHandler(cmd command.Command) Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.skills {
		if canHandleSafe(s, cmd) {
			return s
		}
	}
	return nil
}

func canHandleSafe(s Skill, cmd command.Command) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.CanHandle(cmd)
}

// Options carries per-call overrides for Execute.
type Options struct {
	User      *guard.User
	ConfirmFn func(prompt string) bool
	Context   map[string]any
	Timeout   time.Duration
}

// Dispatcher validates, guards and executes single commands.
type Dispatcher struct {
	registry      *Registry
	guard         *guard.Manager
	minConfidence float64
	defaultUser   guard.User
	logger        *slog.Logger
}

// Config wires a Dispatcher. Registry is required; Guard may be nil, in
// which case the guard flow is skipped entirely.
type Config struct {
	Registry      *Registry
	Guard         *guard.Manager
	MinConfidence float64
	DefaultUser   guard.User
	Logger        *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.DefaultUser.ID == "" {
		cfg.DefaultUser = guard.User{ID: "anonymous"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:      cfg.Registry,
		guard:         cfg.Guard,
		minConfidence: cfg.MinConfidence,
		defaultUser:   cfg.DefaultUser,
		logger:        cfg.Logger,
	}
}

// Registry exposes the skill registry for registration at wiring time.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// CanHandle reports whether some registered skill accepts cmd. It is the
// capability predicate handed to the guard layer.
func (d *Dispatcher) CanHandle(cmd command.Command) bool {
	return d.registry.FindHandler(cmd) != nil
}

// Execute runs one command end to end. The only error return is a
// structurally invalid command, which is a programming error at the call
// site; every runtime failure comes back as an unsuccessful Result.
func (d *Dispatcher) Execute(ctx context.Context, cmd command.Command, opts Options) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: invalid command: %w", err)
	}

	if cmd.Confidence < d.minConfidence {
		return failure(412, "confidence %.2f below threshold %.2f, not executing",
			cmd.Confidence, d.minConfidence), nil
	}

	if d.guard != nil {
		user := d.defaultUser
		if opts.User != nil {
			user = *opts.User
		}
		verdict := d.guard.Validate(cmd, user, opts.Context)
		if verdict.Blocked {
			return &Result{
				Success: false,
				Code:    403,
				Message: "blocked by guard: " + verdict.Reason,
				Data:    map[string]any{"actions": verdict.Actions},
			}, nil
		}
		if verdict.RequireConfirmation {
			if opts.ConfirmFn == nil {
				return &Result{
					Success: false,
					Code:    428,
					Message: "Confirmation required: " + verdict.Reason,
					Data:    map[string]any{"actions": verdict.Actions},
				}, nil
			}
			prompt := fmt.Sprintf("Confirm action: %s. Command: %s. Proceed?", verdict.Reason, cmd.String())
			if !opts.ConfirmFn(prompt) {
				return failure(499, "User declined confirmation: %s", verdict.Reason), nil
			}
		}
	}

	skill := d.registry.FindHandler(cmd)
	if skill == nil {
		return failure(404, "no backend registered for intent '%s' in domain '%s'",
			cmd.Intent, cmd.Domain), nil
	}

	started := time.Now()
	res, err := d.executeSafe(ctx, skill, cmd, opts.Context)
	elapsed := time.Since(started)
	if err != nil {
		d.logger.Error("skill execution failed",
			"skill", skill.Name(), "intent", cmd.Intent, "error", err)
		return failure(500, "skill '%s' failed: %v", skill.Name(), err), nil
	}
	if res == nil {
		res = &Result{Success: true}
	}

	// Skills are not preemptible; the timeout is an after-the-fact report,
	// not an enforcement mechanism.
	if opts.Timeout > 0 && elapsed > opts.Timeout {
		return failure(504, "skill '%s' exceeded timeout: ran %s, limit %s",
			skill.Name(), elapsed.Round(time.Millisecond), opts.Timeout), nil
	}
	return res, nil
}

func (d *Dispatcher) executeSafe(ctx context.Context, s Skill, cmd command.Command, execCtx map[string]any) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Execute(ctx, cmd, execCtx)
}

// Dispatch is the map-returning variant used by chain execution: the
// result is flattened to {success, message, code, ...data}.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (map[string]any, error) {
	res, err := d.Execute(ctx, cmd, Options{})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"success": res.Success,
		"message": res.Message,
	}
	if res.Code != 0 {
		out["code"] = res.Code
	}
	for k, v := range res.Data {
		out[k] = v
	}
	return out, nil
}
