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

package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Options tunes the reconnect schedule. Zero values fall back to 5s base,
// 30s cap and 10 attempts.
type Options struct {
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
	// OnFatal is called once the reconnect budget is spent.
	OnFatal func(err error)
}

// QueueOptions controls how CreateChannel declares the bound queue.
type QueueOptions struct {
	Transient bool
	Args      amqp.Table
}

type ChannelHealth struct {
	Queue     string `json:"queue"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"lastError,omitempty"`
}

type Health struct {
	State             State                    `json:"state"`
	Fatal             bool                     `json:"fatal"`
	Blocked           bool                     `json:"blocked"`
	ReconnectAttempts int                      `json:"reconnectAttempts"`
	Channels          map[string]ChannelHealth `json:"channels"`
}

type managedChannel struct {
	name    string
	queue   string
	ch      Channel
	healthy atomic.Bool
	lastErr atomic.Value
}

func (mc *managedChannel) health() ChannelHealth {
	h := ChannelHealth{Queue: mc.queue, Healthy: mc.healthy.Load()}
	if v, ok := mc.lastErr.Load().(string); ok {
		h.LastError = v
	}
	return h
}

// Manager owns the process-wide broker connection. Every publisher and
// worker goes through it for channels.
type Manager struct {
	url  string
	opts Options

	mu           sync.Mutex
	state        State
	conn         Connection
	connecting   chan struct{}
	connectErr   error
	attempts     int
	fatal        bool
	reconnecting bool
	closed       bool
	listeners    []func()
	stopCh       chan struct{}

	chanMu   sync.Mutex
	channels map[string]*managedChannel

	blocked atomic.Bool
}

// NewManager returns a disconnected Manager. Call Init to connect.
func NewManager(url string, opts Options) *Manager {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Second
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = 30 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.Dialer == nil {
		opts.Dialer = DialAMQP
	}
	return &Manager{
		url:      url,
		opts:     opts,
		state:    StateDisconnected,
		channels: make(map[string]*managedChannel),
		stopCh:   make(chan struct{}),
	}
}

// Init connects to the broker. It is a no-op while connected, and concurrent
// callers during a pending attempt wait for that attempt instead of dialing again.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		wait := m.connecting
		m.mu.Unlock()
		select {
		case <-wait:
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.state = StateConnecting
	m.connecting = make(chan struct{})
	m.mu.Unlock()

	return m.connect()
}

func (m *Manager) connect() error {
	conn, err := m.opts.Dialer(m.url)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(m.connecting)

	if err == nil && m.closed {
		_ = conn.Close()
		err = ErrManagerClosed
	}
	if err != nil {
		m.state = StateDisconnected
		m.connectErr = err
		logrus.Errorf("broker connection failed: %v", err)
		return err
	}

	m.conn = conn
	m.state = StateConnected
	m.connectErr = nil
	m.attempts = 0
	m.fatal = false
	m.blocked.Store(false)
	m.watchConnection(conn)
	logrus.Info("broker connection established")
	return nil
}

func (m *Manager) watchConnection(conn Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for {
			select {
			case b, ok := <-blockCh:
				if !ok {
					blockCh = nil
					continue
				}
				m.blocked.Store(b.Active)
				if b.Active {
					logrus.Warnf("broker applied flow control: %s", b.Reason)
				} else {
					logrus.Info("broker lifted flow control")
				}
			case amqpErr, ok := <-closeCh:
				if !ok || amqpErr == nil {
					return
				}
				m.handleConnectionLoss(conn, amqpErr)
				return
			}
		}
	}()
}

func (m *Manager) handleConnectionLoss(conn Connection, cause *amqp.Error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	start := !m.reconnecting
	m.reconnecting = true
	m.mu.Unlock()

	m.dropChannels(cause)
	logrus.Errorf("broker connection lost: %v", cause)

	if start {
		go m.reconnectLoop()
	}
}

func (m *Manager) dropChannels(cause error) {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()
	for name, mc := range m.channels {
		mc.healthy.Store(false)
		if cause != nil {
			mc.lastErr.Store(cause.Error())
		}
		delete(m.channels, name)
	}
}

func (m *Manager) reconnectLoop() {
	schedule := reconnectSchedule(m.opts.ReconnectBase, m.opts.ReconnectCap, m.opts.MaxReconnectAttempts)
	var lastErr error

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		logrus.Infof("reconnecting to broker in %s (attempt %d/%d)", delay, attempt, m.opts.MaxReconnectAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return
		}

		lastErr = m.Init(context.Background())
		if lastErr == nil {
			m.notifyReconnect()
			return
		}
		if lastErr == ErrManagerClosed {
			return
		}
	}

	m.mu.Lock()
	m.fatal = true
	onFatal := m.opts.OnFatal
	m.mu.Unlock()

	err := fmt.Errorf("broker unreachable after %d reconnect attempts: %w", m.opts.MaxReconnectAttempts, lastErr)
	logrus.Error(err)
	if onFatal != nil {
		onFatal(err)
	}
}

// OnReconnect registers fn to run after every successful automatic reconnect.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyReconnect() {
	m.mu.Lock()
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *Manager) connection() (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.state != StateConnected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// CreateChannel returns the channel cached under logicalName, opening it and
// declaring queueName on first use. A cached channel that has since closed is
// replaced. Concurrent calls for one name never open two channels.
func (m *Manager) CreateChannel(logicalName, queueName string, opts QueueOptions) (Channel, error) {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()

	if mc, ok := m.channels[logicalName]; ok && mc.healthy.Load() {
		return mc.ch, nil
	}

	conn, err := m.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", logicalName, err)
	}
	if _, err := ch.QueueDeclare(queueName, !opts.Transient, false, false, false, opts.Args); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	mc := &managedChannel{name: logicalName, queue: queueName, ch: ch}
	mc.healthy.Store(true)
	m.channels[logicalName] = mc
	m.watchChannel(mc)
	return ch, nil
}

func (m *Manager) watchChannel(mc *managedChannel) {
	closeCh := mc.ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-closeCh
		mc.healthy.Store(false)
		if ok && amqpErr != nil {
			mc.lastErr.Store(amqpErr.Error())
			logrus.Warnf("channel %s closed by broker: %v", mc.name, amqpErr)
		}
	}()
}

// GetChannel returns the cached channel for logicalName.
func (m *Manager) GetChannel(logicalName string) (Channel, error) {
	mc, err := m.lookup(logicalName)
	if err != nil {
		return nil, err
	}
	return mc.ch, nil
}

// QueueFor returns the queue bound to logicalName.
func (m *Manager) QueueFor(logicalName string) (string, error) {
	mc, err := m.lookup(logicalName)
	if err != nil {
		return "", err
	}
	return mc.queue, nil
}

func (m *Manager) lookup(logicalName string) (*managedChannel, error) {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()
	mc, ok := m.channels[logicalName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", logicalName, ErrChannelNotFound)
	}
	if !mc.healthy.Load() {
		return nil, fmt.Errorf("%s: %w", logicalName, ErrChannelClosed)
	}
	return mc, nil
}

// OpenTemporaryChannel opens an uncached channel for operations that may make
// the broker close it, such as a passive declare on a missing queue. The
// caller closes it.
func (m *Manager) OpenTemporaryChannel() (Channel, error) {
	conn, err := m.connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsBlocked reports whether the broker currently applies flow control.
func (m *Manager) IsBlocked() bool {
	return m.blocked.Load()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Health() Health {
	m.mu.Lock()
	h := Health{
		State:             m.state,
		Fatal:             m.fatal,
		ReconnectAttempts: m.attempts,
		Blocked:           m.blocked.Load(),
		Channels:          map[string]ChannelHealth{},
	}
	m.mu.Unlock()

	m.chanMu.Lock()
	for name, mc := range m.channels {
		h.Channels[name] = mc.health()
	}
	m.chanMu.Unlock()
	return h
}

// Close closes every cached channel and then the connection. Close errors are
// logged and not returned. The Manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.chanMu.Lock()
	for name, mc := range m.channels {
		if err := mc.ch.Close(); err != nil {
			logrus.Warnf("error closing channel %s: %v", name, err)
		}
		delete(m.channels, name)
	}
	m.chanMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logrus.Warnf("error closing broker connection: %v", err)
		}
	}
	logrus.Info("broker connection closed")
}
