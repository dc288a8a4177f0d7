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
	"strconv"

	"github.com/blnkfinance/settle/api/model"
	"github.com/gin-gonic/gin"
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
}

// DLQStatus returns broker health and the depth of every dead-letter queue.
func (a Api) DLQStatus(c *gin.Context) {
	status, err := a.settle.DLQ().Status(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to read DLQ status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "broker": status.Broker, "dlqs": status.DLQs})
}

// InspectDLQ peeks at up to limit messages without removing them.
//
// Query parameters:
// - dlqName: the dead-letter queue, e.g. payment_queue.dlq.
// - limit: how many messages to return. Defaults to 10.
func (a Api) InspectDLQ(c *gin.Context) {
	dlqName := c.Query("dlqName")
	if dlqName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "dlqName is required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	messages, err := a.settle.DLQ().InspectDLQ(c.Request.Context(), dlqName, limit)
	if err != nil {
		respondError(c, err, "Failed to inspect DLQ")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dlqName": dlqName, "count": len(messages), "messages": messages})
}

// RetryDLQ moves count messages back to their source queue. A missing count retries one.
func (a Api) RetryDLQ(c *gin.Context) {
	var req model.RetryDLQ
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.ValidateRetryDLQ(); err != nil {
		badRequest(c, err)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	retried, err := a.settle.DLQ().RetryMessage(c.Request.Context(), req.DLQName, req.Count)
	if err != nil {
		respondError(c, err, "Failed to retry DLQ messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dlqName": req.DLQName, "retried": retried})
}

func (a Api) AutoRetryDLQ(c *gin.Context) {
	var req model.AutoRetryDLQ
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.ValidateAutoRetryDLQ(); err != nil {
		badRequest(c, err)
		return
	}

	result, err := a.settle.DLQ().AutoRetryWithBackoff(c.Request.Context(), req.DLQName, req.MaxRetries)
	if err != nil {
		respondError(c, err, "Failed to auto-retry DLQ messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"dlqName":    req.DLQName,
		"successful": result.Successful,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
	})
}

// PurgeDLQ drops every message in the queue. Confirmation is the caller's job.
func (a Api) PurgeDLQ(c *gin.Context) {
	var req model.PurgeDLQ
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.ValidatePurgeDLQ(); err != nil {
		badRequest(c, err)
		return
	}

	purged, err := a.settle.DLQ().PurgeDLQ(c.Request.Context(), req.DLQName)
	if err != nil {
		respondError(c, err, "Failed to purge DLQ")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dlqName": req.DLQName, "purged": purged})
}

func (a Api) ListQueues(c *gin.Context) {
	queues, err := a.settle.DLQ().ListAllQueues(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to list queues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "queues": queues})
}

func (a Api) GetQueue(c *gin.Context) {
	name := c.Param("name")
	detail, err := a.settle.DLQ().GetQueueDetail(c.Request.Context(), name)
	if err != nil {
		respondError(c, err, "Failed to read queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "queue": detail})
}

func (a Api) DLQStats(c *gin.Context) {
	stats, err := a.settle.DLQ().Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to read DLQ stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}
