package broadcast_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/broadcast"
)

func TestPublishOrderPreserved(t *testing.T) {
	b := broadcast.New[int](16)
	ch, tok := b.Subscribe()
	defer b.Unsubscribe(tok)

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, i, <-ch)
	}
}

func TestSlowSubscriberLaggedAndDropped(t *testing.T) {
	b := broadcast.New[int](2)
	ch, tok := b.Subscribe()
	defer b.Unsubscribe(tok)

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	sawLagged := false
	for v := range ch {
		if _, ok := v.(broadcast.Lagged); ok {
			sawLagged = true
		}
	}
	require.True(t, sawLagged, "overflowing subscriber must see a Lagged sentinel before being dropped")
}

func TestSubscribeOnlySeesFutureRecords(t *testing.T) {
	b := broadcast.New[int](16)
	b.Publish(1)
	ch, tok := b.Subscribe()
	defer b.Unsubscribe(tok)
	b.Publish(2)

	require.Equal(t, 2, <-ch)
}
