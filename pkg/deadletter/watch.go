package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/queue"
)

// Watch subscribes to the dead-letter topics of kinds and passes every
// decoded notification to fn. It returns once subscribed; delivery stops when
// ctx is cancelled. Malformed messages are acknowledged and reported through
// onError so they do not block the topic.
func Watch(ctx context.Context, consumer eventbus.Consumer, prefix string, kinds []queue.Kind, fn func(Notification) error, onError func(error)) error {
	if consumer == nil {
		return errors.New("consumer is required")
	}
	if fn == nil {
		return errors.New("notification handler is required")
	}
	if len(kinds) == 0 {
		kinds = queue.Kinds()
	}
	serializer := eventbus.NewJSONSerializer()

	handler := func(_ context.Context, msg *eventbus.Message) error {
		var n Notification
		if err := serializer.Deserialize(msg.Value, &n); err != nil {
			if onError != nil {
				onError(fmt.Errorf("decode notification %s: %w", msg.ID, err))
			}
			return nil
		}
		return fn(n)
	}

	for _, kind := range kinds {
		topic := Topic(prefix, kind)
		if err := consumer.Subscribe(ctx, topic, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}
