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
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type publishOptions struct {
	headers   amqp.Table
	transient bool
}

type PublishOption func(*publishOptions)

// WithHeaders attaches transport headers to the message.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *publishOptions) {
		o.headers = headers
	}
}

// Transient publishes without persistence.
func Transient() PublishOption {
	return func(o *publishOptions) {
		o.transient = true
	}
}

// Publisher writes JSON messages to the queue bound to a logical channel.
type Publisher struct {
	manager *Manager
}

func NewPublisher(manager *Manager) *Publisher {
	return &Publisher{manager: manager}
}

// Publish JSON-encodes data and sends it to the queue behind logicalName.
// A false result with a nil error means the broker is applying flow control
// and delivery is not guaranteed; callers log it and must not retry inline.
func (p *Publisher) Publish(ctx context.Context, logicalName string, data interface{}, opts ...PublishOption) (bool, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode message for %s: %w", logicalName, err)
	}
	return p.PublishRaw(ctx, logicalName, body, opts...)
}

// PublishRaw sends pre-encoded bytes unchanged.
func (p *Publisher) PublishRaw(ctx context.Context, logicalName string, body []byte, opts ...PublishOption) (bool, error) {
	o := publishOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	mc, err := p.manager.lookup(logicalName)
	if err != nil {
		return false, err
	}

	if p.manager.IsBlocked() {
		logrus.Warnf("broker flow control active, message for %s not guaranteed", mc.queue)
		return false, nil
	}

	mode := amqp.Persistent
	if o.transient {
		mode = amqp.Transient
	}
	err = mc.ch.PublishWithContext(ctx, "", mc.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Headers:      o.headers,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return false, fmt.Errorf("publish to %s: %w", mc.queue, err)
	}
	return true, nil
}
