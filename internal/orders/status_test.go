package orders

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending: {StatusPaid, StatusFailed, StatusCancelled},
		StatusPaid:    {StatusShipped, StatusCancelled},
		StatusFailed:  {StatusCancelled},
		StatusShipped: {StatusDelivered},
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if from == to {
				continue
			}
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			changed, err := Transition(from, to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.True(t, changed)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.False(t, changed)
			}
		}
	}
}

func TestTransitionSameStateIsNoop(t *testing.T) {
	for _, s := range Statuses() {
		changed, err := Transition(s, s)
		require.NoError(t, err)
		assert.False(t, changed)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusDelivered.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestInvalidTransitionErrorCarriesStates(t *testing.T) {
	_, err := Transition(StatusCancelled, StatusPaid)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StatusCancelled, ite.From)
	assert.Equal(t, StatusPaid, ite.To)
	assert.Equal(t, "invalid status transition CANCELLED -> PAID", err.Error())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("SHIPPED")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, s)

	_, err = ParseStatus("shipped")
	assert.Error(t, err)
	_, err = Transition(StatusPending, "LOST")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicOrderPaid, TopicFor(StatusPaid))
	assert.Equal(t, TopicOrderFailed, TopicFor(StatusFailed))
	assert.Equal(t, TopicOrderCancelled, TopicFor(StatusCancelled))
	assert.Equal(t, TopicOrderStatusChanged, TopicFor(StatusShipped))
}
