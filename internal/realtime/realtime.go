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

// Package realtime publishes per-user events to Redis channels. The socket
// gateway subscribes to those channels and forwards events to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "realtime:user:"

type Pusher interface {
	Push(ctx context.Context, userID string, event string, data interface{}) error
}

// Event is the message body seen by subscribers.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type RedisPusher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPusher(client redis.UniversalClient, prefix string) *RedisPusher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPusher{client: client, prefix: prefix}
}

func (p *RedisPusher) Channel(userID string) string {
	return p.prefix + userID
}

// Push publishes the event on the user's channel. A user with no live socket
// has no subscriber and the event is dropped, which is not an error.
func (p *RedisPusher) Push(ctx context.Context, userID string, event string, data interface{}) error {
	body, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(userID), body).Err(); err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "realtime push failed for "+userID, err)
	}
	return nil
}
