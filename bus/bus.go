package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	readBlock     = 5 * time.Second
	readBatch     = 10
	retryBackoff  = 1 * time.Second
	connectWindow = 5 * time.Second
)

// Handler receives one decoded message per stream entry. Returning a non-nil
// error leaves the entry unacked so it is redelivered on a later poll.
type Handler func(ctx context.Context, stream string, msg *Message) error

// Stream is the bus surface the services program against.
type Stream interface {
	Publish(ctx context.Context, stream string, msg *Message) (string, error)
	Subscribe(ctx context.Context, streams []string, handler Handler) error
	ReadLatest(ctx context.Context, stream string) (*Message, error)
	EnsureGroup(ctx context.Context, stream string) error
	Close() error
}

// Bus is the Redis-Streams implementation of Stream. Each service owns one Bus
// with its own consumer group; delivery is at-least-once per group.
type Bus struct {
	client   *redis.Client
	group    string
	consumer string
	log      zerolog.Logger

	closeOnce sync.Once
}

// New connects to Redis and verifies the connection. A nil error means the bus
// is usable; startup should abort otherwise.
func New(redisURL, group, consumer string, log zerolog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectWindow)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Bus{
		client:   client,
		group:    group,
		consumer: consumer,
		log:      log.With().Str("component", "bus").Str("group", group).Logger(),
	}, nil
}

// Publish appends the message to a stream and returns the Redis entry id.
func (b *Bus) Publish(ctx context.Context, stream string, msg *Message) (string, error) {
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on a stream if it does not exist yet.
// The stream itself is created when missing (MKSTREAM).
func (b *Bus) EnsureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.group, stream, err)
	}
	return nil
}

// Subscribe blocks reading the given streams until ctx is cancelled. Messages
// are acked only after the handler returns nil; handler errors leave the entry
// pending for redelivery. Transient read errors back off one second; a
// destroyed group (NOGROUP) is recreated and the loop continues.
func (b *Bus) Subscribe(ctx context.Context, streams []string, handler Handler) error {
	for _, s := range streams {
		if err := b.EnsureGroup(ctx, s); err != nil {
			return err
		}
	}

	// XREADGROUP wants stream names followed by one ">" cursor per stream.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	b.log.Info().Strs("streams", streams).Msg("bus subscription started")

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("bus subscription stopped")
			return nil
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  args,
			Count:    readBatch,
			Block:    readBlock,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block expired with no entries
			}
			if ctx.Err() != nil {
				return nil
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				b.log.Warn().Msg("consumer group missing, recreating")
				for _, s := range streams {
					if gerr := b.EnsureGroup(ctx, s); gerr != nil {
						b.log.Error().Err(gerr).Str("stream", s).Msg("group recreation failed")
					}
				}
				continue
			}
			b.log.Error().Err(err).Msg("bus read failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				b.dispatch(ctx, streamRes.Stream, entry, handler)
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, stream string, entry redis.XMessage, handler Handler) {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		b.log.Warn().Str("stream", stream).Str("id", entry.ID).Msg("entry without data field, acking")
		b.ack(ctx, stream, entry.ID)
		return
	}

	msg, err := Decode([]byte(raw))
	if err != nil {
		b.log.Warn().Err(err).Str("stream", stream).Str("id", entry.ID).Msg("undecodable entry, acking")
		b.ack(ctx, stream, entry.ID)
		return
	}

	if err := handler(ctx, stream, msg); err != nil {
		// Leave unacked so the entry is redelivered.
		b.log.Error().Err(err).Str("stream", stream).Str("msg_id", msg.MsgID).Msg("handler failed")
		return
	}

	b.ack(ctx, stream, entry.ID)
}

func (b *Bus) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(ctx, stream, b.group, id).Err(); err != nil {
		b.log.Error().Err(err).Str("stream", stream).Str("id", id).Msg("ack failed")
	}
}

// ReadLatest returns the freshest entry of a stream without consuming it, or
// nil when the stream is empty. Used by the orchestrator to peek at the most
// recent snapshot on demand.
func (b *Bus) ReadLatest(ctx context.Context, stream string) (*Message, error) {
	entries, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	raw, ok := entries[0].Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s on %s has no data field", entries[0].ID, stream)
	}
	return Decode([]byte(raw))
}

// Close releases the Redis connection. Safe to call more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.client.Close()
	})
	return err
}
