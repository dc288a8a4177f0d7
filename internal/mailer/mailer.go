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

// Package mailer sends booking confirmation emails through the mail API.
package mailer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/sirupsen/logrus"
)

const ConfirmationTemplate = "booking_confirmation"

var ErrNotConfigured = errors.New("mail api url is not configured")

type Mailer interface {
	Send(ctx context.Context, bookingID string) error
}

type sendRequest struct {
	BookingID string `json:"bookingId"`
	Template  string `json:"template"`
}

// HTTPMailer posts confirmation requests to the mail API. The API renders and
// delivers the message; this side only reports whether it was accepted.
type HTTPMailer struct {
	url     string
	headers map[string]string
	timeout time.Duration
}

func New(cfg config.MailConfig) *HTTPMailer {
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &HTTPMailer{url: cfg.Url, headers: cfg.Headers, timeout: timeout}
}

func (m *HTTPMailer) Send(ctx context.Context, bookingID string) error {
	if m.url == "" {
		return apierror.NewAPIError(apierror.ErrInternalServer, "mailer unavailable", ErrNotConfigured)
	}
	req, err := request.NewJSONRequest(ctx, http.MethodPost, m.url, sendRequest{
		BookingID: bookingID,
		Template:  ConfirmationTemplate,
	}, m.headers)
	if err != nil {
		return err
	}
	if _, err := request.CallWithTimeout(req, nil, m.timeout); err != nil {
		return apierror.NewAPIError(apierror.ErrTransientIO, "confirmation email was not accepted", err)
	}
	logrus.Infof("confirmation email queued for booking %s", bookingID)
	return nil
}
