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
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookingRowColumns = []string{
	"booking_id", "user_id", "is_paid", "payment_link", "payment_date", "is_deleted", "total_price", "created_at",
}

func TestGetBooking_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	bookingID := "bk_" + gofakeit.UUID()
	userID := gofakeit.Username()
	mock.ExpectQuery("SELECT booking_id, user_id").
		WithArgs(bookingID).
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(bookingID, userID, false, nil, nil, false, "150000", now))

	booking, err := ds.GetBooking(context.TODO(), bookingID)
	require.NoError(t, err)
	assert.Equal(t, userID, booking.UserID)
	assert.False(t, booking.IsPaid)
	assert.Nil(t, booking.PaymentDate)
	assert.Equal(t, "", booking.PaymentLink)
}

func TestGetBooking_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT booking_id, user_id").WithArgs("bk_x").WillReturnError(sql.ErrNoRows)

	_, err = ds.GetBooking(context.TODO(), "bk_x")
	assert.True(t, apierror.IsNotFound(err))
}

func TestMarkBookingPaid_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	paidAt := time.Now()
	mock.ExpectExec("UPDATE settle.bookings").
		WithArgs("bk_1", "MOMO", paidAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkBookingPaid(context.TODO(), "bk_1", model.ProviderMomo, paidAt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkBookingPaid_AlreadyPaid(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	paidAt := time.Now()
	mock.ExpectExec("UPDATE settle.bookings").
		WithArgs("bk_1", "MOMO", paidAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT booking_id, user_id").
		WithArgs("bk_1").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow("bk_1", "usr_1", true, "MOMO", paidAt, false, "150000", paidAt))

	err = ds.MarkBookingPaid(context.TODO(), "bk_1", model.ProviderMomo, paidAt)
	assert.True(t, apierror.IsInvalidState(err))
	assert.ErrorIs(t, err, ErrBookingAlreadyPaid)
}

func TestMarkBookingPaid_Deleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	paidAt := time.Now()
	mock.ExpectExec("UPDATE settle.bookings").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT booking_id, user_id").
		WithArgs("bk_1").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow("bk_1", "usr_1", false, nil, nil, true, "150000", paidAt))

	err = ds.MarkBookingPaid(context.TODO(), "bk_1", model.ProviderZaloPay, paidAt)
	assert.True(t, apierror.IsInvalidState(err))
	assert.ErrorIs(t, err, ErrBookingDeleted)
}

func TestMarkBookingPaid_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE settle.bookings").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT booking_id, user_id").WithArgs("bk_1").WillReturnError(sql.ErrNoRows)

	err = ds.MarkBookingPaid(context.TODO(), "bk_1", model.ProviderVNPay, time.Now())
	assert.True(t, apierror.IsNotFound(err))
}

func TestMarkBookingPaid_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE settle.bookings").WillReturnError(fmt.Errorf("connection reset"))

	err = ds.MarkBookingPaid(context.TODO(), "bk_1", model.ProviderVNPay, time.Now())
	assert.Equal(t, apierror.ErrTransientIO, apierror.CodeOf(err))
}

func TestGetNotification_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectQuery("SELECT notif_id, receiver_ids").
		WithArgs("ntf_1").
		WillReturnRows(sqlmock.NewRows([]string{"notif_id", "receiver_ids", "type", "title", "message", "meta", "status", "created_at"}).
			AddRow("ntf_1", []byte("{usr_1,usr_2}"), "PAYMENT", "Paid", "Your ticket is ready", []byte(`{"bookingId":"bk_1"}`), model.NotificationPending, now))

	notif, err := ds.GetNotification(context.TODO(), "ntf_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_1", "usr_2"}, notif.ReceiverIDs)
	assert.Equal(t, "bk_1", notif.Meta["bookingId"])
}

func TestUpdateNotificationStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE settle.notifications").
		WithArgs("ntf_x", model.NotificationSent).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateNotificationStatus(context.TODO(), "ntf_x", model.NotificationSent)
	assert.True(t, apierror.IsNotFound(err))
}
