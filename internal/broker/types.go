// Package broker distributes generation lifecycle events to
// subscribers. Topics are keyed by conversation id. The local broker
// serves a single process; the NATS broker fans events out across
// processes.
package broker

import (
	"context"

	"github.com/loomchat/loom/events"
)

type Broker interface {
	Topic(ctx context.Context, id string) Topic
}

type Topic interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(ctx context.Context, hook events.Hook) (Subscription, error)
}

type Subscription interface {
	ID() string
	Unsubscribe()
}

func forward(event events.Event, hook events.Hook) {
	switch e := event.(type) {
	case events.Started:
		hook.OnStarted(e)
	case events.Chunk:
		hook.OnChunk(e)
	case events.Completed:
		hook.OnCompleted(e)
	case events.Failed:
		hook.OnFailed(e)
	}
}
