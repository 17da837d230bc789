// Package guard is the policy gate every command passes before execution.
// Validation is an ordered pipeline; the first non-pass rule decides, and
// any internal failure blocks rather than allows.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
	"github.com/FreezinGaits/kyrax-engine/pkg/policy"
	"github.com/FreezinGaits/kyrax-engine/pkg/ratelimit"
)

// Result is the verdict for one command.
type Result struct {
	Allowed             bool
	Blocked             bool
	RequireConfirmation bool
	Reason              string
	Actions             []string
}

// User identifies the caller for rate limiting and role checks.
type User struct {
	ID    string
	Name  string
	Roles []string
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Auditor receives guard and dispatch decisions. Failures to audit are
// logged, never fatal.
type Auditor interface {
	Record(eventType string, payload map[string]any) error
}

// Outcome is the result of GuardAndDispatch.
type Outcome struct {
	Status  string // "blocked", "need_confirmation", "cancelled_by_user", "executed", "error"
	Reason  string
	Actions []string
	Result  any
}

var destructiveIntentRe = regexp.MustCompile(
	`delete|remove|wipe|format|factory_reset|uninstall|shutdown|reboot|erase`)

var unsafePathTokenRe = regexp.MustCompile(`\b(all|everything|recursive|--all)\b`)

var sensitiveIntents = map[string]bool{
	"transfer_money":  true,
	"open_port":       true,
	"exfiltrate_data": true,
}

var urlRe = regexp.MustCompile(`https?://`)

// Config wires a Manager. Limiter and Policies are required; everything
// else has a safe default.
type Config struct {
	Limiter          ratelimit.Limiter
	Policies         *policy.Store
	Rules            *RuleEngine
	Capability       func(command.Command) bool
	RoleCheck        func(userRoles, required []string) bool
	DryRun           func() bool
	SafePathPrefixes []string
	Audit            Auditor
	Logger           *slog.Logger
}

// Manager evaluates commands against the configured safety pipeline.
type Manager struct {
	limiter      ratelimit.Limiter
	policies     *policy.Store
	rules        *RuleEngine
	capability   func(command.Command) bool
	roleCheck    func(userRoles, required []string) bool
	dryRun       func() bool
	safePrefixes []string
	audit        Auditor
	logger       *slog.Logger
}

// NewManager builds a Manager from cfg, filling defaults for optional
// collaborators.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		limiter:      cfg.Limiter,
		policies:     cfg.Policies,
		rules:        cfg.Rules,
		capability:   cfg.Capability,
		roleCheck:    cfg.RoleCheck,
		dryRun:       cfg.DryRun,
		safePrefixes: cfg.SafePathPrefixes,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
	}
	if m.limiter == nil {
		m.limiter = ratelimit.NewWindow(0, 0)
	}
	if m.capability == nil {
		m.capability = func(command.Command) bool { return true }
	}
	if m.roleCheck == nil {
		m.roleCheck = rolesIntersect
	}
	if m.dryRun == nil {
		m.dryRun = func() bool { return false }
	}
	if len(m.safePrefixes) == 0 {
		m.safePrefixes = []string{"/home/", "/mnt/storage/"}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func rolesIntersect(userRoles, required []string) bool {
	for _, r := range required {
		for _, u := range userRoles {
			if r == u {
				return true
			}
		}
	}
	return false
}

func blocked(reason string, actions ...string) Result {
	return Result{Blocked: true, Reason: reason, Actions: actions}
}

func confirm(reason string, actions ...string) Result {
	return Result{RequireConfirmation: true, Reason: reason, Actions: actions}
}

// Validate runs the full pipeline. It never panics; an internal failure
// yields a blocked result with reason "evaluation_error".
func (m *Manager) Validate(cmd command.Command, user User, extra map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("guard evaluation panicked", "intent", cmd.Intent, "panic", r)
			res = blocked("evaluation_error", "blocked_internal")
		}
	}()

	userID := user.ID
	if userID == "" {
		userID = "anonymous"
	}

	if ok, reason := m.limiter.Check(userID); !ok {
		return blocked(reason, "rate_limited")
	}

	if !m.safeCapability(cmd) {
		return blocked("no_skill_available", "blocked_no_skill")
	}

	if cmd.Domain == "os" && m.policies != nil && !m.policies.IsOSIntentAllowed(cmd.Intent) {
		return blocked("intent_not_allowed", "blocked_intent")
	}

	highRisk := m.policies != nil && m.policies.IsHighRisk(cmd.Intent)

	if m.dryRun() && highRisk {
		if !user.IsAdmin() {
			return blocked("dry_run_blocked_non_admin", "blocked_dry_run")
		}
		// Admins never execute high-risk actions silently while dry-run
		// is on.
		return confirm("dry_run_high_risk_confirm", "confirm_destructive")
	}

	if highRisk {
		if !user.IsAdmin() {
			return blocked("destructive_action_requires_admin", "blocked_destructive")
		}
		return confirm("destructive_action_confirm", "confirm_destructive")
	}

	if m.policies != nil {
		if required := m.policies.RoleRequirements()[cmd.Intent]; len(required) > 0 {
			if !m.roleCheck(user.Roles, required) {
				return blocked("insufficient_permissions", "blocked_permissions")
			}
		}
	}

	if r, decided := m.applyRules(cmd, user, extra); decided {
		return r
	}

	if m.isDestructive(cmd) {
		if !user.IsAdmin() {
			return blocked("destructive_action_requires_admin", "blocked_destructive")
		}
		return confirm("destructive_action_confirm", "confirm_destructive")
	}

	if isSensitiveExternal(cmd) {
		return confirm("sensitive_external", "confirm_sensitive")
	}

	if cmd.Domain == "file" {
		if path := targetPath(cmd); path != "" && !m.pathIsSafe(path) {
			return confirm("path_outside_safe_prefix", "confirm_path")
		}
	}

	return Result{Allowed: true, Reason: "ok"}
}

// safeCapability shields Validate from a panicking capability predicate;
// a panic counts as "no backend".
func (m *Manager) safeCapability(cmd command.Command) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("capability check panicked", "intent", cmd.Intent, "panic", r)
			ok = false
		}
	}()
	return m.capability(cmd)
}

// applyRules evaluates the custom policy rules in order. Evaluation errors
// fail closed.
func (m *Manager) applyRules(cmd command.Command, user User, extra map[string]any) (Result, bool) {
	if m.rules == nil || m.policies == nil {
		return Result{}, false
	}
	rules := m.policies.DenyRules()
	if len(rules) == 0 {
		return Result{}, false
	}

	input := map[string]any{
		"intent":     cmd.Intent,
		"domain":     cmd.Domain,
		"entities":   cmd.Entities.ToAnyMap(),
		"confidence": cmd.Confidence,
		"source":     cmd.Source,
		"user_id":    user.ID,
		"user_roles": user.Roles,
	}
	for k, v := range extra {
		input[k] = v
	}

	for _, rule := range rules {
		matched, err := m.rules.Evaluate(rule.Expr, input)
		if err != nil {
			m.logger.Error("policy rule evaluation failed, blocking",
				"rule", rule.Name, "error", err)
			return blocked("rule_evaluation_error:"+rule.Name, "blocked_rule"), true
		}
		if !matched {
			continue
		}
		if rule.Effect == "confirm" {
			return confirm("policy_rule:"+rule.Name, "confirm_rule"), true
		}
		return blocked("policy_rule:"+rule.Name, "blocked_rule"), true
	}
	return Result{}, false
}

func (m *Manager) isDestructive(cmd command.Command) bool {
	if destructiveIntentRe.MatchString(strings.ToLower(cmd.Intent)) {
		return true
	}
	if cmd.Domain != "file" {
		return false
	}
	path := targetPath(cmd)
	if path == "" {
		return false
	}
	low := strings.ToLower(path)
	if path == "/" || path == `C:\` || strings.HasPrefix(low, `c:\windows`) {
		return true
	}
	return unsafePathTokenRe.MatchString(low)
}

func isSensitiveExternal(cmd command.Command) bool {
	if cmd.Intent == "send_message" || cmd.Intent == "send_email" {
		contact := cmd.Get("contact")
		if contact.Kind() == command.KindNull {
			contact = cmd.Get("to")
		}
		if s, ok := contact.AsString(); ok {
			if strings.Contains(s, "@") || urlRe.MatchString(s) {
				return true
			}
		}
	}
	return sensitiveIntents[cmd.Intent]
}

func targetPath(cmd command.Command) string {
	if s, ok := cmd.Get("path").AsString(); ok && s != "" {
		return s
	}
	if s, ok := cmd.Get("target").AsString(); ok {
		return s
	}
	return ""
}

func (m *Manager) pathIsSafe(path string) bool {
	for _, prefix := range m.safePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GuardAndDispatch validates cmd and, when allowed (after any required
// confirmation), invokes dispatch. Guard decisions and dispatch outcomes
// are mirrored into the audit log best-effort.
func (m *Manager) GuardAndDispatch(
	ctx context.Context,
	cmd command.Command,
	user User,
	dispatch func(context.Context, command.Command) (any, error),
	confirmFn func(prompt string) bool,
	extra map[string]any,
) Outcome {
	res := m.Validate(cmd, user, extra)

	if res.Blocked {
		if len(res.Actions) > 0 {
			switch res.Actions[0] {
			case "rate_limited":
				m.record("guard_rate_limited", cmd, user, res)
			case "blocked_dry_run":
				m.record("guard_dry_run_blocked", cmd, user, res)
			}
		}
		return Outcome{Status: "blocked", Reason: res.Reason, Actions: res.Actions}
	}

	if res.RequireConfirmation {
		m.record("guard_confirmation_required", cmd, user, res)
		if confirmFn == nil {
			return Outcome{Status: "need_confirmation", Reason: res.Reason, Actions: res.Actions}
		}
		prompt := fmt.Sprintf("Confirm action: %s. Command: %s. Proceed?", res.Reason, cmd.String())
		if !confirmFn(prompt) {
			return Outcome{Status: "cancelled_by_user", Reason: res.Reason, Actions: res.Actions}
		}
	}

	result, err := m.safeDispatch(ctx, cmd, dispatch)
	if err != nil {
		m.record("dispatch_failed", cmd, user, res, "error", err.Error())
		return Outcome{Status: "error", Reason: err.Error(), Actions: res.Actions}
	}
	m.record("dispatch_executed", cmd, user, res)
	return Outcome{Status: "executed", Reason: res.Reason, Actions: res.Actions, Result: result}
}

// safeDispatch converts a panicking backend into an error.
func (m *Manager) safeDispatch(
	ctx context.Context,
	cmd command.Command,
	dispatch func(context.Context, command.Command) (any, error),
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return dispatch(ctx, cmd)
}

// record emits an audit event, logging (not failing) on audit errors.
// kv is an even-length list of extra payload pairs.
func (m *Manager) record(eventType string, cmd command.Command, user User, res Result, kv ...string) {
	if m.audit == nil {
		return
	}
	payload := map[string]any{
		"intent":  cmd.Intent,
		"domain":  cmd.Domain,
		"user_id": user.ID,
		"reason":  res.Reason,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		payload[kv[i]] = kv[i+1]
	}
	if err := m.audit.Record(eventType, payload); err != nil {
		m.logger.Warn("audit record failed", "event", eventType, "error", err)
	}
}
