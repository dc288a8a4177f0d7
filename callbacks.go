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

package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/provider"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CallbackResult tells the gateway handler what happened to a callback.
type CallbackResult struct {
	LogID     string `json:"logId"`
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
	Queued    bool   `json:"queued"`
}

// HandleCallback authenticates a gateway callback, records its payload on the
// booking's payment log and queues settlement when the gateway reports
// success. A callback with a bad signature is rejected before anything is
// stored.
func (s *Settle) HandleCallback(ctx context.Context, providerName string, body []byte, signature string) (*CallbackResult, error) {
	ctx, span := otel.Tracer("settle.callbacks").Start(ctx, "Handle Callback")
	defer span.End()

	p, err := model.ParseProvider(providerName)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}
	span.SetAttributes(attribute.String("provider", string(p)))

	verifier, ok := s.providers.Verifier(p)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, fmt.Sprintf("no signature secret configured for %s", p), nil)
	}
	if err := verifier.Verify(body, signature); err != nil {
		return nil, err
	}

	raw := map[string]interface{}{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "callback body is not a JSON object", err)
	}
	bookingID := provider.BookingID(p, raw)
	if bookingID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "callback does not reference a booking", nil)
	}

	log, err := s.recordCallback(ctx, p, bookingID, raw)
	if err != nil {
		return nil, err
	}
	result := &CallbackResult{LogID: log.LogID, BookingID: bookingID, Status: log.Status}
	if log.Status == model.StatusSuccess {
		return result, nil
	}

	if !provider.IsSuccess(p, raw) {
		log.Status = model.StatusFailed
		if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
			return nil, err
		}
		logrus.Infof("%s reported payment for booking %s as unsuccessful", p, bookingID)
		result.Status = log.Status
		return result, nil
	}

	if err := s.enqueue(ctx, s.queues.PaymentQueue, model.PaymentJob{LogID: log.LogID}); err != nil {
		return nil, err
	}
	result.Queued = true
	return result, nil
}

// recordCallback finds the log for {bookingID, p} or creates one, and merges
// the callback fields into its RawData.
func (s *Settle) recordCallback(ctx context.Context, p model.Provider, bookingID string, raw map[string]interface{}) (*model.PaymentLog, error) {
	log, err := s.datasource.GetPaymentLogByBooking(ctx, bookingID, p)
	if err != nil {
		if !apierror.IsNotFound(err) {
			return nil, err
		}
		log = model.NewPaymentLog(p, bookingID, provider.Amount(p, raw), raw)
		if err := s.datasource.CreatePaymentLog(ctx, log); err != nil {
			return nil, err
		}
		return log, nil
	}

	if log.Status == model.StatusSuccess {
		return log, nil
	}
	if log.RawData == nil {
		log.RawData = map[string]interface{}{}
	}
	for k, v := range raw {
		log.RawData[k] = v
	}
	if err := s.datasource.UpdatePaymentLog(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}
