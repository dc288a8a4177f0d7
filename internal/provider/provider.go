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

// Package provider talks to the payment gateways: it verifies callback
// signatures and queries transaction status for reconciliation.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/model"
	"github.com/shopspring/decimal"
)

// Result is a gateway's answer about one transaction.
type Result struct {
	Provider      model.Provider         `json:"provider"`
	CorrelationID string                 `json:"correlation_id"`
	Raw           map[string]interface{} `json:"raw"`
}

// Querier asks a gateway for the current status of a transaction.
type Querier interface {
	QueryStatus(ctx context.Context, correlationID string) (*Result, error)
	IsSuccess(result *Result) bool
}

// Verifier authenticates a callback body.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// IsSuccess classifies a gateway payload. Each gateway reports success with
// its own field and value.
func IsSuccess(p model.Provider, raw map[string]interface{}) bool {
	switch p {
	case model.ProviderMomo:
		code, ok := intField(raw, "resultCode")
		return ok && code == 0
	case model.ProviderZaloPay:
		code, ok := intField(raw, "return_code")
		return ok && code == 1
	case model.ProviderVNPay:
		return stringField(raw, "vnp_ResponseCode") == "00" && stringField(raw, "vnp_TransactionStatus") == "00"
	}
	return false
}

func intField(raw map[string]interface{}, key string) (int64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func stringField(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// BookingID extracts the booking reference from a callback payload. An
// explicit bookingId field wins; otherwise the gateway's order reference is
// used, without ZaloPay's yymmdd_ date prefix.
func BookingID(p model.Provider, raw map[string]interface{}) string {
	if id := stringField(raw, "bookingId"); id != "" {
		return id
	}
	ref := stringField(raw, p.CorrelationField())
	if p == model.ProviderZaloPay {
		if i := strings.IndexByte(ref, '_'); i >= 0 {
			return ref[i+1:]
		}
	}
	return ref
}

// Amount reads the charged amount from a callback payload. VNPay reports
// amounts multiplied by 100.
func Amount(p model.Provider, raw map[string]interface{}) decimal.Decimal {
	key := "amount"
	if p == model.ProviderVNPay {
		key = "vnp_Amount"
	}
	amount, err := decimal.NewFromString(stringField(raw, key))
	if err != nil {
		return decimal.Zero
	}
	if p == model.ProviderVNPay {
		return amount.Div(decimal.NewFromInt(100))
	}
	return amount
}

// Registry resolves the querier and verifier for each gateway.
type Registry struct {
	queriers  map[model.Provider]Querier
	verifiers map[model.Provider]Verifier
}

func NewRegistry() *Registry {
	return &Registry{
		queriers:  make(map[model.Provider]Querier),
		verifiers: make(map[model.Provider]Verifier),
	}
}

// FromConfig builds an HTTP client and an HMAC verifier for every gateway
// that has a query URL or secret configured.
func FromConfig(cfg config.ProvidersConfig) *Registry {
	r := NewRegistry()
	for p, pc := range map[model.Provider]config.ProviderConfig{
		model.ProviderMomo:    cfg.Momo,
		model.ProviderZaloPay: cfg.ZaloPay,
		model.ProviderVNPay:   cfg.VNPay,
	} {
		if pc.QueryURL != "" {
			r.Register(p, NewClient(p, pc), nil)
		}
		if pc.SecretKey != "" {
			r.Register(p, nil, NewHMACVerifier(pc.SecretKey))
		}
	}
	return r
}

// Register sets the querier and/or verifier for p. Nil arguments leave the
// current value in place.
func (r *Registry) Register(p model.Provider, q Querier, v Verifier) {
	if q != nil {
		r.queriers[p] = q
	}
	if v != nil {
		r.verifiers[p] = v
	}
}

func (r *Registry) Querier(p model.Provider) (Querier, bool) {
	q, ok := r.queriers[p]
	return q, ok
}

func (r *Registry) Verifier(p model.Provider) (Verifier, bool) {
	v, ok := r.verifiers[p]
	return v, ok
}
