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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"go.opentelemetry.io/otel"
)

const paymentLogColumns = `id, log_id, provider, booking_id, amount, raw_data, status, steps, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentLog(row rowScanner) (*model.PaymentLog, error) {
	log := &model.PaymentLog{}
	var rawData, steps []byte
	var provider string
	err := row.Scan(
		&log.ID, &log.LogID, &provider, &log.BookingID, &log.Amount,
		&rawData, &log.Status, &steps, &log.CreatedAt, &log.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	log.Provider = model.Provider(provider)

	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &log.RawData); err != nil {
			return nil, fmt.Errorf("decode raw_data: %w", err)
		}
	}
	if log.RawData == nil {
		log.RawData = map[string]interface{}{}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &log.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	return log, nil
}

// CreatePaymentLog inserts a new payment log
func (d Datasource) CreatePaymentLog(ctx context.Context, log *model.PaymentLog) error {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Saving payment log to db")
	defer span.End()

	rawData, err := json.Marshal(log.RawData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal raw data", err)
	}
	steps, err := json.Marshal(log.Steps)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal steps", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO settle.payment_logs (log_id, provider, booking_id, amount, raw_data, status, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, log.LogID, string(log.Provider), log.BookingID, log.Amount, rawData, log.Status, steps, log.CreatedAt, log.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to create payment log", err)
	}
	return nil
}

// GetPaymentLog retrieves a payment log by its ID
func (d Datasource) GetPaymentLog(ctx context.Context, logID string) (*model.PaymentLog, error) {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Fetching payment log from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentLogColumns+`
		FROM settle.payment_logs
		WHERE log_id = $1
	`, logID)

	log, err := scanPaymentLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment log with ID '%s' not found", logID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to retrieve payment log", err)
	}
	return log, nil
}

// GetPaymentLogByBooking retrieves the most recent log for a booking and provider
func (d Datasource) GetPaymentLogByBooking(ctx context.Context, bookingID string, provider model.Provider) (*model.PaymentLog, error) {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Fetching payment log by booking")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentLogColumns+`
		FROM settle.payment_logs
		WHERE booking_id = $1 AND provider = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, bookingID, string(provider))

	log, err := scanPaymentLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment log for booking '%s' and provider '%s' not found", bookingID, provider), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to retrieve payment log", err)
	}
	return log, nil
}

// UpdatePaymentLog persists the mutable parts of a log
func (d Datasource) UpdatePaymentLog(ctx context.Context, log *model.PaymentLog) error {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Updating payment log")
	defer span.End()

	rawData, err := json.Marshal(log.RawData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal raw data", err)
	}
	steps, err := json.Marshal(log.Steps)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal steps", err)
	}
	log.UpdatedAt = time.Now()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.payment_logs
		SET status = $2, steps = $3, raw_data = $4, updated_at = $5
		WHERE log_id = $1
	`, log.LogID, log.Status, steps, rawData, log.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to update payment log", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment log with ID '%s' not found", log.LogID), nil)
	}
	return nil
}

// GetStuckPaymentLogs returns PENDING or FAILED logs for a provider whose creation time lies in [createdAfter, createdBefore)
func (d Datasource) GetStuckPaymentLogs(ctx context.Context, provider model.Provider, createdAfter, createdBefore time.Time, limit int) ([]*model.PaymentLog, error) {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Fetching stuck payment logs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+paymentLogColumns+`
		FROM settle.payment_logs
		WHERE provider = $1
		  AND status IN ('PENDING', 'FAILED')
		  AND created_at >= $2
		  AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4
	`, string(provider), createdAfter, createdBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to retrieve stuck payment logs", err)
	}
	defer rows.Close()

	var logs []*model.PaymentLog
	for rows.Next() {
		log, err := scanPaymentLog(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payment log", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Error iterating payment logs", err)
	}
	return logs, nil
}

// DeletePaymentLogsByBooking removes every log of a cancelled booking
func (d Datasource) DeletePaymentLogsByBooking(ctx context.Context, bookingID string) (int64, error) {
	ctx, span := otel.Tracer("PaymentLog").Start(ctx, "Deleting payment logs by booking")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `DELETE FROM settle.payment_logs WHERE booking_id = $1`, bookingID)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to delete payment logs", err)
	}
	return result.RowsAffected()
}
