package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLogDoesNotBlockOnFullBuffer(t *testing.T) {
	log := NewLogger(zaptest.NewLogger(t), Config{BufferSize: 1})
	defer log.Close(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			log.Log(Event{Type: EventConnectionOpened, ConnID: "c1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked despite full buffer")
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	log := NewLogger(zaptest.NewLogger(t), DefaultConfig())
	log.Log(Event{Type: EventKeysetResolved, KeysetID: "ks-1"})
	log.Log(Event{Type: EventConnectionClosed, ConnID: "c1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))
}

func TestDroppedCounterIncrementsOnOverflow(t *testing.T) {
	log := NewLogger(zaptest.NewLogger(t), Config{BufferSize: 0})
	for i := 0; i < 1000; i++ {
		log.Log(Event{Type: EventCacheEvicted})
	}

	assert.Eventually(t, func() bool {
		return log.Dropped() > 0
	}, time.Second, 5*time.Millisecond)
}
