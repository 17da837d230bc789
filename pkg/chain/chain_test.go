package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

type scriptedDispatcher struct {
	outputs  []map[string]any
	errs     []error
	received []command.Command
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, cmd command.Command) (map[string]any, error) {
	i := len(d.received)
	d.received = append(d.received, cmd)
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	var out map[string]any
	if i < len(d.outputs) {
		out = d.outputs[i]
	}
	return out, err
}

func step(intent string, entities command.Entities) command.Command {
	return command.Command{Intent: intent, Domain: "test", Entities: entities, Confidence: 1, Source: "chain"}
}

func TestLastPlaceholderSubstitution(t *testing.T) {
	d := &scriptedDispatcher{outputs: []map[string]any{
		{"success": true, "note_path": "/home/u/notes.txt"},
		{"success": true},
	}}
	e := New(nil, nil)

	cmds := []command.Command{
		step("take_note", command.Entities{"text": command.String("buy milk")}),
		step("send_message", command.Entities{
			"contact": command.String("Akshat Pawar"),
			"text":    command.String("saved to {{ last.note_path }}"),
		}),
	}
	outputs, issues := e.ExecuteChain(context.Background(), cmds, d, true)

	require.Len(t, outputs, 2)
	assert.Empty(t, issues)
	assert.Equal(t, "saved to /home/u/notes.txt", d.received[1].Get("text").Text())
}

func TestStepsAndGlobalTokens(t *testing.T) {
	d := &scriptedDispatcher{outputs: []map[string]any{
		{"result": map[string]any{"url": "https://example.com/a"}},
		{},
		{},
	}}
	e := New(map[string]any{"user": map[string]any{"city": "Pune"}}, nil)

	cmds := []command.Command{
		step("search_web", command.Entities{"query": command.String("weather {{ global.user.city }}")}),
		step("open_url", command.Entities{"url": command.String("{{ steps.0.result.url }}")}),
		step("take_note", command.Entities{"text": command.String("from {{ global.user.city }}")}),
	}
	_, issues := e.ExecuteChain(context.Background(), cmds, d, true)

	assert.Empty(t, issues)
	assert.Equal(t, "weather Pune", d.received[0].Get("query").Text())
	assert.Equal(t, "https://example.com/a", d.received[1].Get("url").Text())
	assert.Equal(t, "from Pune", d.received[2].Get("text").Text())
}

func TestSinglePlaceholderPreservesType(t *testing.T) {
	d := &scriptedDispatcher{outputs: []map[string]any{
		{"volume": 72, "meta": map[string]any{"device": "speaker"}},
		{},
		{},
	}}
	e := New(nil, nil)

	cmds := []command.Command{
		step("get_volume", nil),
		step("set_volume", command.Entities{"level": command.String("{{ last.volume }}")}),
		step("take_note", command.Entities{"text": command.String("was {{ steps.0.meta }}")}),
	}
	_, issues := e.ExecuteChain(context.Background(), cmds, d, true)
	require.Empty(t, issues)

	level, ok := d.received[1].Get("level").AsInt()
	require.True(t, ok, "whole-field placeholders keep the resolved type")
	assert.Equal(t, 72, level)

	// Embedded containers stringify as canonical JSON.
	assert.Equal(t, `was {"device":"speaker"}`, d.received[2].Get("text").Text())
}

func TestUnresolvedTokenLeftVerbatim(t *testing.T) {
	d := &scriptedDispatcher{outputs: []map[string]any{{}}}
	e := New(nil, nil)

	cmds := []command.Command{
		step("send_message", command.Entities{"text": command.String("see {{ last.nothing }}")}),
	}
	outputs, issues := e.ExecuteChain(context.Background(), cmds, d, true)

	require.Len(t, outputs, 1, "the step still executes")
	require.Len(t, issues, 1)
	assert.Equal(t, 0, issues[0].Step)
	assert.Equal(t, []string{"unresolved_placeholders:last.nothing"}, issues[0].Issues)
	assert.Equal(t, "see {{ last.nothing }}", d.received[0].Get("text").Text())
}

func TestStopOnError(t *testing.T) {
	d := &scriptedDispatcher{
		outputs: []map[string]any{{}, nil, {}},
		errs:    []error{nil, errors.New("backend down"), nil},
	}
	e := New(nil, nil)

	cmds := []command.Command{
		step("a", nil), step("b", nil), step("c", nil),
	}
	outputs, issues := e.ExecuteChain(context.Background(), cmds, d, true)

	assert.Len(t, outputs, 1, "partial outputs up to the failure")
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"dispatch_exception:backend down"}, issues[0].Issues)
	assert.Len(t, d.received, 2, "step c never dispatched")
}

func TestContinueOnErrorAppendsPlaceholderOutput(t *testing.T) {
	d := &scriptedDispatcher{
		outputs: []map[string]any{{}, nil, {}},
		errs:    []error{nil, errors.New("backend down"), nil},
	}
	e := New(nil, nil)

	cmds := []command.Command{
		step("a", nil),
		step("b", nil),
		step("c", command.Entities{"text": command.String("{{ steps.1.error }}")}),
	}
	outputs, issues := e.ExecuteChain(context.Background(), cmds, d, false)

	require.Len(t, outputs, 3)
	assert.Equal(t, map[string]any{"error": "backend down"}, outputs[1])
	require.Len(t, issues, 1)
	assert.Equal(t, "backend down", d.received[2].Get("text").Text())
}

func TestOriginalCommandsNeverMutated(t *testing.T) {
	d := &scriptedDispatcher{outputs: []map[string]any{
		{"name": "Akshat"},
		{},
	}}
	e := New(nil, nil)

	original := step("send_message", command.Entities{"text": command.String("hi {{ last.name }}")})
	cmds := []command.Command{step("lookup", nil), original}

	_, issues := e.ExecuteChain(context.Background(), cmds, d, true)
	require.Empty(t, issues)
	assert.Equal(t, "hi {{ last.name }}", original.Get("text").Text())
	assert.Equal(t, "hi Akshat", d.received[1].Get("text").Text())
}
