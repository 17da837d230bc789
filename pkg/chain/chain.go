// Package chain executes ordered command sequences where later steps may
// reference earlier outputs through {{ placeholder }} tokens.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/FreezinGaits/kyrax-engine/pkg/canonicalize"
	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

// Dispatcher is the execution sink for individual chain steps.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (map[string]any, error)
}

// StepIssue records the problems of one step.
type StepIssue struct {
	Step    int      `json:"step"`
	Command string   `json:"command"`
	Issues  []string `json:"issues"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Executor renders placeholders and drives step-by-step execution. Steps
// are strictly sequential; later steps depend on earlier outputs.
type Executor struct {
	global map[string]any
	logger *slog.Logger
}

// New creates an Executor. global is the static context reachable through
// "global.<path>" tokens and may be nil.
func New(global map[string]any, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{global: global, logger: logger}
}

// ExecuteChain runs commands in order. Each dispatched command is a copy
// with rendered entities; the caller's slice is never mutated. With
// stopOnError the partial outputs and issues collected so far are
// returned on the first dispatch failure.
func (e *Executor) ExecuteChain(ctx context.Context, commands []command.Command, d Dispatcher, stopOnError bool) ([]map[string]any, []StepIssue) {
	var outputs []map[string]any
	var issues []StepIssue

	for i, cmd := range commands {
		rendered, unresolved := e.renderEntities(cmd.Entities, outputs)
		if len(unresolved) > 0 {
			stepIssues := make([]string, 0, len(unresolved))
			for _, token := range unresolved {
				stepIssues = append(stepIssues, "unresolved_placeholders:"+token)
			}
			issues = append(issues, StepIssue{Step: i, Command: cmd.Intent, Issues: stepIssues})
			e.logger.Warn("unresolved placeholders", "step", i, "intent", cmd.Intent, "tokens", unresolved)
		}

		out, err := d.Dispatch(ctx, cmd.WithEntities(rendered))
		if err != nil {
			issues = append(issues, StepIssue{
				Step:    i,
				Command: cmd.Intent,
				Issues:  []string{"dispatch_exception:" + err.Error()},
			})
			if stopOnError {
				return outputs, issues
			}
			outputs = append(outputs, map[string]any{"error": err.Error()})
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		outputs = append(outputs, out)
	}
	return outputs, issues
}

// renderEntities substitutes placeholders in every string value,
// recursively through lists and maps. It returns the rendered entities and
// the tokens that could not be resolved.
func (e *Executor) renderEntities(entities command.Entities, outputs []map[string]any) (command.Entities, []string) {
	rendered := make(command.Entities, len(entities))
	var unresolved []string
	for key, val := range entities {
		rendered[key] = e.renderValue(val, outputs, &unresolved)
	}
	return rendered, unresolved
}

func (e *Executor) renderValue(v command.Value, outputs []map[string]any, unresolved *[]string) command.Value {
	switch v.Kind() {
	case command.KindString:
		s, _ := v.AsString()
		return e.renderString(s, outputs, unresolved)
	case command.KindList:
		items, _ := v.AsList()
		out := make([]command.Value, len(items))
		for i, item := range items {
			out[i] = e.renderValue(item, outputs, unresolved)
		}
		return command.List(out...)
	case command.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]command.Value, len(m))
		for k, item := range m {
			out[k] = e.renderValue(item, outputs, unresolved)
		}
		return command.Map(out)
	default:
		return v
	}
}

// renderString substitutes all tokens in s. When the whole string is
// exactly one placeholder the resolved value keeps its type; embedded
// placeholders stringify, containers as canonical JSON.
func (e *Executor) renderString(s string, outputs []map[string]any, unresolved *[]string) command.Value {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return command.String(s)
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		token := s[matches[0][2]:matches[0][3]]
		resolved, ok := e.resolve(token, outputs)
		if !ok {
			*unresolved = append(*unresolved, token)
			return command.String(s)
		}
		return command.FromAny(resolved)
	}

	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		token := strings.TrimSpace(match[2 : len(match)-2])
		resolved, ok := e.resolve(token, outputs)
		if !ok {
			*unresolved = append(*unresolved, token)
			return match
		}
		return stringify(resolved)
	})
	return command.String(out)
}

// resolve walks a token of the form last.<path>, steps.<n>.<path> or
// global.<path>.
func (e *Executor) resolve(token string, outputs []map[string]any) (any, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var base any
	var path []string
	switch parts[0] {
	case "last":
		if len(outputs) == 0 {
			return nil, false
		}
		base, path = outputs[len(outputs)-1], parts[1:]
	case "steps":
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= len(outputs) {
			return nil, false
		}
		if len(parts) < 3 {
			return nil, false
		}
		base, path = outputs[idx], parts[2:]
	case "global":
		if e.global == nil {
			return nil, false
		}
		base, path = e.global, parts[1:]
	default:
		return nil, false
	}

	return walk(base, path)
}

func walk(v any, path []string) (any, bool) {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		if data, err := canonicalize.JCS(t); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", t)
	default:
		return command.FromAny(t).Text()
	}
}
