// Package redisstream publishes execution events to Redis Streams so they can
// be consumed from another process while a run is still in flight.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/execflow/observe"
)

const (
	defaultPrefix = "execflow:events"
	defaultMaxLen = 10000
)

// Client holds the redis connection shared by Publisher and Subscriber.
type Client struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	maxLen   int64
	ttl      time.Duration
}

type Option func(*Client)

func WithClient(client *goredis.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(c *Client) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

func WithDB(db int) Option {
	return func(c *Client) { c.db = db }
}

// WithMaxLen caps each run stream, trimming approximately.
func WithMaxLen(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithTTL expires run streams after the given idle time.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

func New(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimSpace(addr)
	c := &Client{addr: addr, prefix: defaultPrefix, maxLen: defaultMaxLen}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		if addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		c.client = goredis.NewClient(&goredis.Options{Addr: c.addr, Password: c.password, DB: c.db})
	}
	if err := c.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

func (c *Client) streamKey(runID string) string {
	return c.prefix + ":" + runID
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Publisher is an observe.Sink writing each event to the stream of its run.
// The run is the root of the event's source tree.
type Publisher struct {
	c    *Client
	tree *observe.Tree
}

func (c *Client) Publisher() *Publisher {
	return &Publisher{c: c, tree: observe.NewTree()}
}

func (p *Publisher) Emit(ctx context.Context, event observe.Event) error {
	src := event.Source
	if _, ok := event.Kind.(observe.Started); ok {
		if _, known := p.tree.Get(src.ID); !known {
			if err := p.tree.Add(src); err != nil {
				if err := p.tree.Add(observe.Source{ID: src.ID, Kind: src.Kind}); err != nil {
					return fmt.Errorf("failed to track source: %w", err)
				}
			}
		}
	}
	runID := src.ID
	if root, err := p.tree.Root(src.ID); err == nil {
		runID = root.ID
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := p.c.streamKey(runID)
	_, err = p.c.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: p.c.maxLen,
		Approx: true,
		Values: map[string]any{"type": string(event.Type()), "payload": string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if p.c.ttl > 0 {
		_ = p.c.client.Expire(ctx, key, p.c.ttl).Err()
	}
	return nil
}

type Delivery struct {
	ID    string
	Event observe.Event
}

// Read returns up to count events after lastID ("0" reads from the start),
// blocking up to block when none are available.
func (c *Client) Read(ctx context.Context, runID, lastID string, block time.Duration, count int) ([]Delivery, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	if lastID == "" {
		lastID = "0"
	}
	if count <= 0 {
		count = 100
	}
	args := &goredis.XReadArgs{
		Streams: []string{c.streamKey(runID), lastID},
		Count:   int64(count),
		Block:   block,
	}
	if block <= 0 {
		args.Block = -1
	}
	res, err := c.client.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make([]Delivery, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				continue
			}
			var event observe.Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Event: event})
		}
	}
	return out, nil
}

// Subscribe follows a run's stream until the root source finishes or ctx
// is done. The returned channel is closed on exit.
func (c *Client) Subscribe(ctx context.Context, runID string, block time.Duration) (<-chan observe.Event, <-chan error) {
	events := make(chan observe.Event)
	errs := make(chan error, 1)
	if block <= 0 {
		block = time.Second
	}
	go func() {
		defer close(events)
		defer close(errs)
		lastID := "0"
		for {
			if ctx.Err() != nil {
				return
			}
			batch, err := c.Read(ctx, runID, lastID, block, 100)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			for _, d := range batch {
				lastID = d.ID
				select {
				case events <- d.Event:
				case <-ctx.Done():
					return
				}
				if _, done := d.Event.Kind.(observe.Finished); done && d.Event.Source.ID == runID {
					return
				}
			}
		}
	}()
	return events, errs
}

// Delete removes a run's stream.
func (c *Client) Delete(ctx context.Context, runID string) error {
	return c.client.Del(ctx, c.streamKey(runID)).Err()
}
