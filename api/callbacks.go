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
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the gateway's HMAC signature of the raw callback body.
const SignatureHeader = "X-Signature"

// HandleCallback accepts a payment gateway callback for the provider named in
// the path. The body is verified as-is, so it is read raw rather than bound.
func (a Api) HandleCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	signature := c.GetHeader(SignatureHeader)
	if signature == "" {
		signature = c.Query("signature")
	}

	result, err := a.settle.HandleCallback(c.Request.Context(), c.Param("provider"), body, signature)
	if err != nil {
		respondError(c, err, "Failed to process callback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "callback": result})
}

// Sweep runs one reconciliation sweep now and returns its report.
func (a Api) Sweep(c *gin.Context) {
	report, err := a.sweeper.SweepNow(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to run reconciliation sweep")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
