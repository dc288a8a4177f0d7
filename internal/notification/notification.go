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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/sirupsen/logrus"
)

type textObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type block struct {
	Type   string       `json:"type"`
	Text   *textObject  `json:"text,omitempty"`
	Fields []textObject `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []block `json:"blocks"`
}

func buildSlackMessage(title string, fields map[string]string, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []block{
		{Type: "header", Text: &textObject{Type: "plain_text", Text: title, Emoji: true}},
	}}
	for _, key := range []string{"Queue", "Error"} {
		if v, ok := fields[key]; ok {
			msg.Blocks = append(msg.Blocks, block{
				Type:   "section",
				Fields: []textObject{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", key, v)}},
			})
		}
	}
	msg.Blocks = append(msg.Blocks, block{
		Type:   "section",
		Fields: []textObject{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", at.Format(time.RFC822))}},
	})
	return msg
}

// SlackNotification posts an alert to the configured Slack webhook.
//
// Parameters:
// - title: The header of the Slack message.
// - fields: Optional "Queue" and "Error" sections.
//
// The call is synchronous. Failures are logged and swallowed.
func SlackNotification(title string, fields map[string]string) {
	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	req, err := request.NewJSONRequest(context.Background(), http.MethodPost, conf.Notification.Slack.WebhookUrl, buildSlackMessage(title, fields, time.Now()), nil)
	if err != nil {
		logrus.Error(err)
		return
	}

	// Slack answers with a plain "ok" body.
	_, err = request.CallWithTimeout(req, nil, 10*time.Second)
	if err != nil {
		logrus.Errorf("slack notification failed: %v", err)
	}
}

func slackConfigured() bool {
	conf, err := config.Fetch()
	if err != nil {
		return false
	}
	return conf.Notification.Slack.WebhookUrl != ""
}

// NotifyError logs systemError and, when Slack is configured, alerts the operators.
// It runs asynchronously to avoid blocking the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		if slackConfigured() {
			SlackNotification("Error From Settle 🐞", map[string]string{"Error": systemError.Error()})
		}
	}(systemError)
}

// NotifyDeadLetter alerts operators that a message exhausted its retries.
func NotifyDeadLetter(queue string, cause error) {
	go func() {
		logrus.WithFields(logrus.Fields{"queue": queue, "error": cause}).Warn("message moved to dead-letter queue")
		if slackConfigured() {
			SlackNotification("Message Dead-Lettered ☠️", map[string]string{"Queue": queue, "Error": cause.Error()})
		}
	}()
}
