// Package realtime fans out room change notifications over Redis pub/sub so
// connected clients can refresh without waiting for their next poll tick.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event announces that a room advanced to a new version. Votes publish with
// the unchanged document version since tallies live outside versioning.
type Event struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
}

// Bus publishes and subscribes on a per-room Redis channel.
type Bus struct {
	client *redis.Client
	prefix string
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, prefix: "roomevents:"}
}

func (b *Bus) channel(roomID string) string {
	return b.prefix + roomID
}

// Publish sends the event to every subscriber of the room. Best-effort:
// callers log failures but never fail the originating write.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

// Subscribe delivers events for one room until ctx is cancelled or the
// returned stop function is called. Malformed payloads are dropped.
func (b *Bus) Subscribe(ctx context.Context, roomID string) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe to room events: %w", err)
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
