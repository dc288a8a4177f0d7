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

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

const defaultQueryTimeout = 10 * time.Second

// Client queries one gateway's status endpoint over JSON HTTP.
type Client struct {
	provider model.Provider
	cfg      config.ProviderConfig
	timeout  time.Duration
}

var _ Querier = (*Client)(nil)

func NewClient(p model.Provider, cfg config.ProviderConfig) *Client {
	timeout := defaultQueryTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &Client{provider: p, cfg: cfg, timeout: timeout}
}

// QueryStatus posts the correlation id to the status endpoint. The request
// body is signed with the gateway secret in X-Signature when one is set.
// Network errors and 5xx answers are TRANSIENT_IO; other non-2xx answers are
// BAD_REQUEST.
func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*Result, error) {
	payload := map[string]string{c.provider.CorrelationField(): correlationID}

	req, err := request.NewJSONRequest(ctx, http.MethodPost, c.cfg.QueryURL, payload, c.cfg.Headers)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to build status query", err)
	}
	if c.cfg.SecretKey != "" {
		body, _ := json.Marshal(payload)
		req.Header.Set("X-Signature", Sign(c.cfg.SecretKey, body))
	}

	raw := map[string]interface{}{}
	_, err = request.CallWithTimeout(req, &raw, c.timeout)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return nil, apierror.NewAPIError(apierror.ErrBadRequest, "gateway rejected status query", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrTransientIO, "gateway status query failed", err)
	}

	logrus.WithFields(logrus.Fields{
		"provider":       c.provider,
		"correlation_id": correlationID,
	}).Debug("gateway status query answered")

	return &Result{Provider: c.provider, CorrelationID: correlationID, Raw: raw}, nil
}

func (c *Client) IsSuccess(result *Result) bool {
	if result == nil {
		return false
	}
	return IsSuccess(c.provider, result.Raw)
}
