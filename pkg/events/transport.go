package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

const turnTopic = "council.events"

// TurnBus is the per-turn event transport: a persistent in-process
// watermill pub/sub. Persistence is what makes reconnection work: a
// subscriber attaching mid-turn receives every event published so far, in
// order, followed by the live tail.
type TurnBus struct {
	pubsub *gochannel.GoChannel
}

func NewTurnBus() *TurnBus {
	return &TurnBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, watermill.NopLogger{}),
	}
}

// Sink returns an EventSink publishing onto this bus.
func (b *TurnBus) Sink() EventSink {
	return NewWatermillSink(b.pubsub, turnTopic)
}

// Subscribe attaches a consumer. Already-published events are replayed
// first, then live events follow. The channel closes when ctx is done or
// the bus is closed.
func (b *TurnBus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, turnTopic)
}

func (b *TurnBus) Close() {
	if err := b.pubsub.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close turn bus")
	}
}
