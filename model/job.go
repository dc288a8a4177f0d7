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
package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type PaymentJob struct {
	LogID string `json:"logId"`
}

type MailJob struct {
	LogID string `json:"logId"`
}

type NotificationJob struct {
	NotifID     string                 `json:"notifId"`
	ReceiverIDs []string               `json:"receiverIds"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

func (j PaymentJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.LogID, validation.Required),
	)
}

func (j MailJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.LogID, validation.Required),
	)
}

func (j NotificationJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.NotifID, validation.Required),
		validation.Field(&j.ReceiverIDs, validation.Required),
		validation.Field(&j.Type, validation.Required),
	)
}

// DecodeJob strictly decodes a queue body into dst. Unknown fields and
// failed validation are both decode errors.
func DecodeJob(body []byte, dst validation.Validatable) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed job payload: %w", err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	return nil
}
