/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package brokertest is an in-memory AMQP broker for tests. It models durable
// queues on the default exchange, prefetch, manual ack/nack with requeue,
// basic.get, purge, passive declares and connection/channel closure.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/settle/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a stored copy of a published message.
type Message struct {
	Body         []byte
	Headers      amqp.Table
	ContentType  string
	DeliveryMode uint8
	Redelivered  bool
}

type queue struct {
	name     string
	durable  bool
	ready    []*Message
	dropped  []*Message
	consumer map[string]*consumer
}

type consumer struct {
	tag    string
	queue  string
	ch     *Channel
	out    chan amqp.Delivery
	closed bool
	done   chan struct{}
}

type unacked struct {
	queue    string
	msg      *Message
	consumer string
}

// Broker holds every queue. It is safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	conns    []*Conn
	dials    int
	failDial int
	dialErr  error

	failPublish error
}

func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Dialer returns a broker.Dialer bound to this broker.
func (b *Broker) Dialer() broker.Dialer {
	return func(url string) (broker.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if b.failDial != 0 {
			if b.failDial > 0 {
				b.failDial--
			}
			return nil, b.dialErr
		}
		conn := &Conn{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// FailDials makes the next n dials fail with err. A negative n fails forever.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDial = n
	b.dialErr = err
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailPublishes makes every publish return err until called with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = err
}

// LastConn returns the most recently dialed connection.
func (b *Broker) LastConn() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// DeclareQueue creates a queue outside of any channel.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(name, true)
}

func (b *Broker) declareLocked(name string, durable bool) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, consumer: make(map[string]*consumer)}
		b.queues[name] = q
	}
	return q
}

// Enqueue appends a message to a queue, declaring it when missing.
func (b *Broker) Enqueue(name string, body []byte, headers amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.declareLocked(name, true)
	q.ready = append(q.ready, &Message{Body: body, Headers: headers, ContentType: "application/json", DeliveryMode: amqp.Persistent})
	b.dispatchLocked(q)
}

// Messages returns copies of the ready messages of a queue.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, *m)
	}
	return out
}

// Dropped returns messages that were nacked without requeue.
func (b *Broker) Dropped(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.dropped))
	for _, m := range q.dropped {
		out = append(out, *m)
	}
	return out
}

// Unacked counts deliveries awaiting ack across every open channel.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (b *Broker) dispatchLocked(q *queue) {
	for _, c := range q.consumer {
		for len(q.ready) > 0 && !c.closed && c.ch.canDeliver() && len(c.out) < cap(c.out) {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			tag := c.ch.track(q.name, msg, c.tag)
			c.out <- c.ch.delivery(q.name, msg, tag, c.tag, 0)
		}
	}
}

// Conn is an in-memory broker.Connection.
type Conn struct {
	broker   *Broker
	channels []*Channel
	closes   []chan *amqp.Error
	blocks   []chan amqp.Blocking
	closed   bool
}

var _ broker.Connection = (*Conn)(nil)

func (c *Conn) Channel() (broker.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, unacked: make(map[uint64]unacked)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(rc chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(rc)
		return rc
	}
	c.closes = append(c.closes, rc)
	return rc
}

func (c *Conn) NotifyBlocked(rc chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(rc)
		return rc
	}
	c.blocks = append(c.blocks, rc)
	return rc
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close shuts the connection down gracefully.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Drop simulates an unexpected connection loss.
func (c *Conn) Drop() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true, Recover: true})
}

// SetBlocked emits a connection.blocked or connection.unblocked notification.
func (c *Conn) SetBlocked(active bool) {
	c.broker.mu.Lock()
	blocks := append([]chan amqp.Blocking{}, c.blocks...)
	c.broker.mu.Unlock()
	for _, ch := range blocks {
		ch <- amqp.Blocking{Active: active, Reason: "low on memory"}
	}
}

func (c *Conn) shutdownLocked(cause *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdownLocked(cause)
	}
	for _, rc := range c.closes {
		if cause != nil {
			rc <- cause
		}
		close(rc)
	}
	for _, rc := range c.blocks {
		close(rc)
	}
	c.closes = nil
	c.blocks = nil
}

// Channel is an in-memory broker.Channel and the Acknowledger of its deliveries.
type Channel struct {
	conn     *Conn
	closed   bool
	prefetch int
	nextTag  uint64
	unacked  map[uint64]unacked
	closes   []chan *amqp.Error
	consumed []*consumer
}

var _ broker.Channel = (*Channel)(nil)

func (ch *Channel) b() *Broker {
	return ch.conn.broker
}

func (ch *Channel) canDeliver() bool {
	return ch.prefetch == 0 || len(ch.unacked) < ch.prefetch
}

func (ch *Channel) track(queue string, msg *Message, consumerTag string) uint64 {
	ch.nextTag++
	ch.unacked[ch.nextTag] = unacked{queue: queue, msg: msg, consumer: consumerTag}
	return ch.nextTag
}

func (ch *Channel) delivery(queue string, msg *Message, tag uint64, consumerTag string, remaining uint32) amqp.Delivery {
	body := append([]byte(nil), msg.Body...)
	return amqp.Delivery{
		Acknowledger: ch,
		Headers:      copyTable(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		ConsumerTag:  consumerTag,
		MessageCount: remaining,
		DeliveryTag:  tag,
		Redelivered:  msg.Redelivered,
		RoutingKey:   queue,
		Body:         body,
	}
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q := ch.b().declareLocked(name, durable)
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumer)}, nil
}

func (ch *Channel) notFoundLocked(name string) error {
	err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name), Server: true}
	ch.shutdownLocked(err)
	return err
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.b().queues[name]
	if !ok {
		return amqp.Queue{}, ch.notFoundLocked(name)
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumer)}, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.b().failPublish != nil {
		return ch.b().failPublish
	}
	q, ok := ch.b().queues[key]
	if !ok {
		// unroutable on the default exchange
		return nil
	}
	q.ready = append(q.ready, &Message{
		Body:         append([]byte(nil), msg.Body...),
		Headers:      copyTable(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
	})
	ch.b().dispatchLocked(q)
	return nil
}

func (ch *Channel) ConsumeWithContext(ctx context.Context, queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.b().queues[queueName]
	if !ok {
		return nil, ch.notFoundLocked(queueName)
	}
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%p-%d", ch, len(ch.consumed)+1)
	}
	c := &consumer{tag: consumerTag, queue: queueName, ch: ch, out: make(chan amqp.Delivery, 64), done: make(chan struct{})}
	q.consumer[consumerTag] = c
	ch.consumed = append(ch.consumed, c)
	ch.b().dispatchLocked(q)

	go func() {
		select {
		case <-ctx.Done():
			ch.b().mu.Lock()
			ch.cancelLocked(c)
			ch.b().mu.Unlock()
		case <-c.done:
		}
	}()
	return c.out, nil
}

func (ch *Channel) cancelLocked(c *consumer) {
	if c.closed {
		return
	}
	c.closed = true
	if q, ok := ch.b().queues[c.queue]; ok {
		delete(q.consumer, c.tag)
	}
	close(c.out)
	close(c.done)
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	for _, c := range ch.consumed {
		if c.tag == consumerTag {
			ch.cancelLocked(c)
		}
	}
	return nil
}

func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := ch.b().queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, ch.notFoundLocked(queueName)
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	var tag uint64
	if autoAck {
		ch.nextTag++
		tag = ch.nextTag
	} else {
		tag = ch.track(queueName, msg, "")
	}
	return ch.delivery(queueName, msg, tag, "", uint32(len(q.ready))), true, nil
}

func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := ch.b().queues[name]
	if !ok {
		return 0, ch.notFoundLocked(name)
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

func (ch *Channel) NotifyClose(rc chan *amqp.Error) chan *amqp.Error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		close(rc)
		return rc
	}
	ch.closes = append(ch.closes, rc)
	return rc
}

func (ch *Channel) Close() error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Fail closes the channel with a broker-initiated error, leaving the connection open.
func (ch *Channel) Fail(code int, reason string) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return
	}
	ch.shutdownLocked(&amqp.Error{Code: code, Reason: reason, Server: true})
}

func (ch *Channel) IsClosed() bool {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	return ch.closed
}

// shutdownLocked requeues unacked deliveries, cancels consumers and notifies listeners.
func (ch *Channel) shutdownLocked(cause *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumed {
		ch.cancelLocked(c)
	}
	touched := map[string]*queue{}
	for tag, u := range ch.unacked {
		if q, ok := ch.b().queues[u.queue]; ok {
			u.msg.Redelivered = true
			q.ready = append([]*Message{u.msg}, q.ready...)
			touched[q.name] = q
		}
		delete(ch.unacked, tag)
	}
	for _, rc := range ch.closes {
		if cause != nil {
			rc <- cause
		}
		close(rc)
	}
	ch.closes = nil
	for _, q := range touched {
		ch.b().dispatchLocked(q)
	}
}

var errUnknownTag = errors.New("PRECONDITION_FAILED - unknown delivery tag")

func (ch *Channel) settle(tag uint64, multiple bool, fn func(u unacked)) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		ch.shutdownLocked(&amqp.Error{Code: amqp.PreconditionFailed, Reason: errUnknownTag.Error(), Server: true})
		return errUnknownTag
	}
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		fn(u)
	}
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(unacked) {})
}

func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, func(u unacked) {
		q, ok := ch.b().queues[u.queue]
		if !ok {
			return
		}
		if requeue {
			u.msg.Redelivered = true
			q.ready = append([]*Message{u.msg}, q.ready...)
			return
		}
		q.dropped = append(q.dropped, u.msg)
	})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}
