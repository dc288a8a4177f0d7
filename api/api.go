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

package api

import (
	"errors"
	"net/http"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/api/middleware"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "SETTLE"

type Api struct {
	settle  *settle.Settle
	sweeper *settle.ReconciliationSweeper
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	dlq := router.Group("/dlq")
	dlq.GET("/status", a.DLQStatus)
	dlq.GET("/inspect", a.InspectDLQ)
	dlq.POST("/retry", a.RetryDLQ)
	dlq.POST("/auto-retry", a.AutoRetryDLQ)
	dlq.POST("/purge", a.PurgeDLQ)
	dlq.GET("/queues", a.ListQueues)
	dlq.GET("/queues/:name", a.GetQueue)
	dlq.GET("/stats", a.DLQStats)

	router.POST("/callbacks/:provider", a.HandleCallback)
	router.POST("/reconciliation/sweep", a.Sweep)
	router.GET("/health", a.Health)
	return a.router
}

// NewAPI builds the admin and callback HTTP surface. sweeper may be nil, in
// which case a sweeper is built from s for on-demand sweeps.
func NewAPI(s *settle.Settle, sweeper *settle.ReconciliationSweeper) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	if sweeper == nil {
		sweeper = settle.NewReconciliationSweeper(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.RateLimitMiddleware(conf))
	r.Use(middleware.SecretKeyAuthMiddleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{settle: s, sweeper: sweeper, router: r}
}

// respondError always answers with {success:false, error}. Internal failures
// are logged and replaced by fallback so no internals reach the wire.
func respondError(c *gin.Context, err error, fallback string) {
	status := apierror.MapErrorToHTTPStatus(err)
	if errors.Is(err, settle.ErrDLQBusy) || errors.Is(err, settle.ErrSweepInProgress) {
		status = http.StatusConflict
	}

	message := err.Error()
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	if status == http.StatusInternalServerError {
		logrus.Errorf("%s: %v", fallback, err)
		message = fallback
	}
	c.JSON(status, gin.H{"success": false, "error": message})
}

// Health reports broker connectivity. It answers 503 until the connection
// manager is connected.
func (a Api) Health(c *gin.Context) {
	health := a.settle.Manager().Health()
	status := http.StatusOK
	if health.State != broker.StateConnected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": status == http.StatusOK, "broker": health})
}
