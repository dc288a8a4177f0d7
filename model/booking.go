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
	"time"

	"github.com/shopspring/decimal"
)

type Booking struct {
	BookingID   string          `json:"booking_id"`
	UserID      string          `json:"user_id"`
	IsPaid      bool            `json:"is_paid"`
	PaymentLink string          `json:"payment_link"`
	PaymentDate *time.Time      `json:"payment_date,omitempty"`
	IsDeleted   bool            `json:"is_deleted"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	NotificationPending = "PENDING"
	NotificationSent    = "SENT"
	NotificationFailed  = "FAILED"
)

type Notification struct {
	NotifID     string                 `json:"notif_id"`
	ReceiverIDs []string               `json:"receiver_ids"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Status      string                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
}
