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

package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPublishesOnUserChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "realtime:user:u_1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPusher(client, "")
	require.NoError(t, p.Push(ctx, "u_1", "booking.paid", map[string]string{"bookingId": "bk_1"}))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "booking.paid", ev.Event)
		assert.Equal(t, map[string]interface{}{"bookingId": "bk_1"}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no realtime event received")
	}
}

func TestPushWithoutSubscriberSucceeds(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewRedisPusher(client, "rt:")
	assert.Equal(t, "rt:u_2", p.Channel("u_2"))
	assert.NoError(t, p.Push(context.Background(), "u_2", "notification", nil))
}

func TestPushRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPusher(client, "").Push(context.Background(), "u_3", "notification", nil)
	assert.True(t, apierror.Is(err, apierror.ErrTransientIO))
}
