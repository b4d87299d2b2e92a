package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageHistoryBufferFIFOOrder(t *testing.T) {
	buf := newMessageHistoryBuffer(3)

	buf.Add(&Event{MessageType: "a"})
	buf.Add(&Event{MessageType: "b"})
	buf.Add(&Event{MessageType: "c"})

	events, err := buf.Get(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "a", events[0].MessageType)
	require.Equal(t, "c", events[2].MessageType)
}

func TestMessageHistoryBufferOverwritesOldest(t *testing.T) {
	buf := newMessageHistoryBuffer(2)

	buf.Add(&Event{MessageType: "a"})
	buf.Add(&Event{MessageType: "b"})
	buf.Add(&Event{MessageType: "c"})

	events, err := buf.Get(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "b", events[0].MessageType)
	require.Equal(t, "c", events[1].MessageType)
}

func TestMessageHistoryBufferEmpty(t *testing.T) {
	buf := newMessageHistoryBuffer(1)

	_, err := buf.Get(1)
	require.Error(t, err)
}
