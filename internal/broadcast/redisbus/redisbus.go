// Package redisbus implements broadcast.Poker over Redis pub/sub, so a
// dispatch/cancel/event write in one process can wake a scheduler loop
// polling in another process against the same database. It is a latency
// optimization only: the poll-based Storage.NextFutureTask fallback always
// still runs, so a missed or delayed message never stalls the engine, only
// slows it down to the next poll tick.
package redisbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flowstep/flowstep/internal/broadcast"
	"github.com/flowstep/flowstep/internal/logging"
)

const channelPrefix = "flowstep:poke:"

// Poker publishes and subscribes to per-queue Redis pub/sub channels,
// satisfying broadcast.Poker for multi-process deployments.
type Poker struct {
	client *redis.Client
	log    *logging.Logger

	local *broadcast.LocalPoker

	mu        sync.Mutex
	subscribed map[string]bool
}

// New wraps client, fanning incoming Redis messages into the same
// in-process channels a LocalPoker would use so callers of Chan don't need
// to know whether the poke originated locally or over the wire.
func New(client *redis.Client, log *logging.Logger) *Poker {
	return &Poker{client: client, log: log, local: broadcast.NewLocalPoker(), subscribed: make(map[string]bool)}
}

// Poke publishes to the queue's Redis channel and also pokes the local
// in-process channel immediately, so a same-process caller doesn't wait on
// a network round trip.
func (p *Poker) Poke(queue string) {
	p.local.Poke(queue)
	if err := p.client.Publish(context.Background(), channelPrefix+queue, "1").Err(); err != nil {
		p.log.Warn("redisbus: publish failed", "queue", queue, "error", err)
	}
}

// Chan returns the queue's wake channel, subscribing to its Redis channel
// the first time this queue is asked for.
func (p *Poker) Chan(queue string) <-chan struct{} {
	ch := p.local.Chan(queue)

	p.mu.Lock()
	already := p.subscribed[queue]
	p.subscribed[queue] = true
	p.mu.Unlock()
	if !already {
		go p.subscribeLoop(queue)
	}
	return ch
}

func (p *Poker) subscribeLoop(queue string) {
	sub := p.client.Subscribe(context.Background(), channelPrefix+queue)
	defer sub.Close()
	for range sub.Channel() {
		p.local.Poke(queue)
	}
}

// Close releases the underlying Redis client.
func (p *Poker) Close() error { return p.client.Close() }
