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
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const dlqSuffix = ".dlq"

type RetryDLQ struct {
	DLQName string `json:"dlqName"`
	Count   int    `json:"count"`
}

type AutoRetryDLQ struct {
	DLQName    string `json:"dlqName"`
	MaxRetries int    `json:"maxRetries"`
}

type PurgeDLQ struct {
	DLQName string `json:"dlqName"`
}

func dlqNameRule(value interface{}) error {
	name, _ := value.(string)
	if !strings.HasSuffix(name, dlqSuffix) || name == dlqSuffix {
		return errors.New("must name a dead-letter queue ending in .dlq")
	}
	return nil
}

func (r *RetryDLQ) ValidateRetryDLQ() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.DLQName, validation.Required, validation.By(dlqNameRule)),
		validation.Field(&r.Count, validation.Min(0)),
	)
}

// ValidateAutoRetryDLQ requires a positive retry ceiling; zero would skip every message.
func (r *AutoRetryDLQ) ValidateAutoRetryDLQ() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.DLQName, validation.Required, validation.By(dlqNameRule)),
		validation.Field(&r.MaxRetries, validation.Required, validation.Min(1)),
	)
}

func (r *PurgeDLQ) ValidatePurgeDLQ() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.DLQName, validation.Required, validation.By(dlqNameRule)),
	)
}
