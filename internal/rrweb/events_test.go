package rrweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSessionID(t *testing.T) {
	t.Run("bare uuid gets prefix", func(t *testing.T) {
		got, err := NormalizeSessionID("00000000-0000-0000-0000-000000000001")
		require.NoError(t, err)
		assert.Equal(t, "visual-00000000-0000-0000-0000-000000000001", got)
	})
	t.Run("prefixed id kept", func(t *testing.T) {
		got, err := NormalizeSessionID("visual-00000000-0000-0000-0000-000000000001")
		require.NoError(t, err)
		assert.Equal(t, "visual-00000000-0000-0000-0000-000000000001", got)
	})
	t.Run("garbage rejected", func(t *testing.T) {
		_, err := NormalizeSessionID("not-a-session")
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})
}

func TestEventTypeParsing(t *testing.T) {
	for name, raw := range map[string]map[string]any{
		"float64": {"type": float64(2)},
		"int":     {"type": 2},
		"int64":   {"type": int64(2)},
	} {
		t.Run(name, func(t *testing.T) {
			typ, ok := eventType(raw)
			require.True(t, ok)
			assert.Equal(t, EventFullSnapshot, typ)
		})
	}

	_, ok := eventType(map[string]any{"type": "2"})
	assert.False(t, ok, "string types are not coerced")
}

func TestFrameShape(t *testing.T) {
	ev := SequencedEvent{
		SessionID:  "visual-x",
		SequenceID: 7,
		Event:      map[string]any{"type": float64(EventMeta)},
	}
	f := ev.Frame()
	assert.Equal(t, "rrweb_event", f.Type)
	assert.Equal(t, "visual-x", f.SessionID)
	assert.Equal(t, uint64(7), f.SequenceID)
}
