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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/settle/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Payment log methods

func (m *MockDataSource) CreatePaymentLog(ctx context.Context, log *model.PaymentLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockDataSource) GetPaymentLog(ctx context.Context, logID string) (*model.PaymentLog, error) {
	args := m.Called(ctx, logID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentLog), args.Error(1)
}

func (m *MockDataSource) GetPaymentLogByBooking(ctx context.Context, bookingID string, provider model.Provider) (*model.PaymentLog, error) {
	args := m.Called(ctx, bookingID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PaymentLog), args.Error(1)
}

func (m *MockDataSource) UpdatePaymentLog(ctx context.Context, log *model.PaymentLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockDataSource) GetStuckPaymentLogs(ctx context.Context, provider model.Provider, createdAfter, createdBefore time.Time, limit int) ([]*model.PaymentLog, error) {
	args := m.Called(ctx, provider, createdAfter, createdBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.PaymentLog), args.Error(1)
}

func (m *MockDataSource) DeletePaymentLogsByBooking(ctx context.Context, bookingID string) (int64, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(int64), args.Error(1)
}

// Booking methods

func (m *MockDataSource) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *MockDataSource) MarkBookingPaid(ctx context.Context, bookingID string, provider model.Provider, paidAt time.Time) error {
	args := m.Called(ctx, bookingID, provider, paidAt)
	return args.Error(0)
}

// Notification methods

func (m *MockDataSource) GetNotification(ctx context.Context, notifID string) (*model.Notification, error) {
	args := m.Called(ctx, notifID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockDataSource) UpdateNotificationStatus(ctx context.Context, notifID string, status string) error {
	args := m.Called(ctx, notifID, status)
	return args.Error(0)
}
