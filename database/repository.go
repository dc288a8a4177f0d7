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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/settle/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	paymentLog   // Interface for payment log operations
	booking      // Interface for booking settlement operations
	notification // Interface for notification delivery state
}

// paymentLog defines methods for the durable record of each payment attempt.
type paymentLog interface {
	CreatePaymentLog(ctx context.Context, log *model.PaymentLog) error                                                                               // Inserts a new payment log
	GetPaymentLog(ctx context.Context, logID string) (*model.PaymentLog, error)                                                                      // Retrieves a payment log by ID
	GetPaymentLogByBooking(ctx context.Context, bookingID string, provider model.Provider) (*model.PaymentLog, error)                                // Retrieves the latest log for a booking and provider
	UpdatePaymentLog(ctx context.Context, log *model.PaymentLog) error                                                                               // Persists status, steps and raw data
	GetStuckPaymentLogs(ctx context.Context, provider model.Provider, createdAfter, createdBefore time.Time, limit int) ([]*model.PaymentLog, error) // Retrieves PENDING or FAILED logs in a creation window
	DeletePaymentLogsByBooking(ctx context.Context, bookingID string) (int64, error)                                                                 // Removes logs when a booking is cancelled
}

// booking defines the settlement-side view of bookings.
type booking interface {
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, error)                               // Retrieves a booking by ID
	MarkBookingPaid(ctx context.Context, bookingID string, provider model.Provider, paidAt time.Time) error // Flips a booking from unpaid to paid exactly once
}

// notification defines methods for realtime notification state.
type notification interface {
	GetNotification(ctx context.Context, notifID string) (*model.Notification, error)  // Retrieves a notification by ID
	UpdateNotificationStatus(ctx context.Context, notifID string, status string) error // Updates the delivery status of a notification
}
