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

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

func (d Datasource) GetNotification(ctx context.Context, notifID string) (*model.Notification, error) {
	ctx, span := otel.Tracer("Notification").Start(ctx, "Fetching notification from db")
	defer span.End()

	notif := &model.Notification{}
	var meta []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT notif_id, receiver_ids, type, title, message, meta, status, created_at
		FROM settle.notifications
		WHERE notif_id = $1
	`, notifID).Scan(
		&notif.NotifID, pq.Array(&notif.ReceiverIDs), &notif.Type, &notif.Title,
		&notif.Message, &meta, &notif.Status, &notif.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Notification with ID '%s' not found", notifID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "Failed to retrieve notification", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &notif.Meta); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode notification meta", err)
		}
	}
	return notif, nil
}

func (d Datasource) UpdateNotificationStatus(ctx context.Context, notifID string, status string) error {
	ctx, span := otel.Tracer("Notification").Start(ctx, "Updating notification status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.notifications SET status = $2 WHERE notif_id = $1
	`, notifID, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to update notification", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Notification with ID '%s' not found", notifID), nil)
	}
	return nil
}
