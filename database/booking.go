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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

var (
	ErrBookingAlreadyPaid = errors.New("booking already paid")
	ErrBookingDeleted     = errors.New("booking deleted")
)

// GetBooking retrieves a booking by its ID
func (d Datasource) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	ctx, span := otel.Tracer("Booking").Start(ctx, "Fetching booking from db")
	defer span.End()

	booking := &model.Booking{}
	var paymentLink sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT booking_id, user_id, is_paid, payment_link, payment_date, is_deleted, total_price, created_at
		FROM settle.bookings
		WHERE booking_id = $1
	`, bookingID).Scan(
		&booking.BookingID, &booking.UserID, &booking.IsPaid, &paymentLink,
		&booking.PaymentDate, &booking.IsDeleted, &booking.TotalPrice, &booking.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Booking with ID '%s' not found", bookingID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to retrieve booking", err)
	}
	booking.PaymentLink = paymentLink.String
	return booking, nil
}

// MarkBookingPaid flips an unpaid, live booking to paid. The conditional update
// makes concurrent settlements race on the row, so only one of them wins. The
// loser gets an INVALID_STATE error wrapping ErrBookingAlreadyPaid or ErrBookingDeleted.
func (d Datasource) MarkBookingPaid(ctx context.Context, bookingID string, provider model.Provider, paidAt time.Time) error {
	ctx, span := otel.Tracer("Booking").Start(ctx, "Marking booking paid")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.bookings
		SET is_paid = true, payment_link = $2, payment_date = $3
		WHERE booking_id = $1 AND is_paid = false AND is_deleted = false
	`, bookingID, string(provider), paidAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
			return apierror.NewAPIError(apierror.ErrConflict, "Booking update violates a constraint", err)
		}
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to update booking", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to get rows affected", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	booking, err := d.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.IsDeleted {
		return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Booking '%s' was deleted", bookingID), ErrBookingDeleted)
	}
	return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Booking '%s' is already paid", bookingID), ErrBookingAlreadyPaid)
}
