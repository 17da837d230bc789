package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

func newTestRecorder(maxEntries int, ttl time.Duration) (*Recorder, *time.Time) {
	r := NewRecorder(maxEntries, ttl)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func msgCmd(contact string) command.Command {
	return command.Command{
		Intent: "send_message",
		Domain: "communication",
		Entities: command.Entities{
			"contact": command.String(contact),
			"text":    command.String("hello"),
		},
		Confidence: 0.9,
		Source:     "voice",
	}
}

func TestGetMostRecentPrefersNewest(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)

	r.UpdateFromCommand(msgCmd("Akshat Pawar"))
	r.UpdateFromCommand(msgCmd("Gautam Sharma"))

	v, ok := r.GetMostRecent("last_contact")
	require.True(t, ok)
	assert.Equal(t, "Gautam Sharma", v.Text())
}

func TestTTLExpiry(t *testing.T) {
	r, now := newTestRecorder(10, time.Minute)

	r.UpdateFromCommand(msgCmd("Akshat Pawar"))
	*now = now.Add(2 * time.Minute)

	_, ok := r.GetMostRecent("last_contact")
	assert.False(t, ok)
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	r, _ := newTestRecorder(2, time.Hour)

	r.UpdateFromCommand(msgCmd("First Person"))
	r.UpdateFromCommand(command.Command{
		Intent:     "open_app",
		Domain:     "os",
		Entities:   command.Entities{"app": command.String("spotify")},
		Confidence: 1,
		Source:     "voice",
	})
	r.UpdateFromCommand(command.Command{
		Intent:     "mute",
		Domain:     "os",
		Confidence: 1,
		Source:     "voice",
	})

	// The send_message record fell off the ring, so no contact survives.
	_, ok := r.GetMostRecent("last_contact")
	assert.False(t, ok)

	v, ok := r.GetMostRecent("last_app")
	require.True(t, ok)
	assert.Equal(t, "spotify", v.Text())
}

func TestFillMissingEntitiesResolvesPronoun(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)
	r.UpdateFromCommand(msgCmd("Akshat Pawar"))

	out := r.FillMissingEntities(
		command.Entities{"contact": command.String("him"), "text": command.String("on my way")},
		[]string{"contact", "text"},
		"message him on my way",
	)
	assert.Equal(t, "Akshat Pawar", out["contact"].Text())
	assert.Equal(t, "on my way", out["text"].Text())
}

func TestFillMissingEntitiesUsesPreviousReference(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)
	r.UpdateFromCommand(msgCmd("Gautam Sharma"))

	out := r.FillMissingEntities(
		command.Entities{"text": command.String("running late")},
		[]string{"contact", "text"},
		"send running late to the previous contact",
	)
	assert.Equal(t, "Gautam Sharma", out["contact"].Text())
}

func TestFillMissingEntitiesDoesNotInventReferents(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)
	r.UpdateFromCommand(msgCmd("Gautam Sharma"))

	out := r.FillMissingEntities(
		command.Entities{"text": command.String("hi")},
		[]string{"contact", "text"},
		"send hi",
	)
	_, present := out.Get("contact")
	assert.False(t, present, "no previous-reference in the utterance, nothing to patch")
}

func TestFillMissingEntitiesCleansNoise(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)

	out := r.FillMissingEntities(
		command.Entities{"contact": command.String("my friend akshat pawar again")},
		[]string{"contact"},
		"message my friend akshat pawar again",
	)
	assert.Equal(t, "Akshat Pawar", out["contact"].Text())
}

func TestSnapshotNewestWins(t *testing.T) {
	r, _ := newTestRecorder(10, time.Minute)
	r.UpdateFromCommand(msgCmd("Akshat Pawar"))
	r.UpdateFromCommand(command.Command{
		Intent:     "open_app",
		Domain:     "os",
		Entities:   command.Entities{"app": command.String("spotify")},
		Confidence: 1,
		Source:     "voice",
	})

	snap := r.Snapshot()
	assert.Equal(t, "open_app", snap["last_intent"].Text())
	assert.Equal(t, "Akshat Pawar", snap["last_contact"].Text())
}
