/*
Copyright 2024 The Reviewpipe Authors.

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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe"
	"github.com/reviewpipe/reviewpipe/internal/platform"
)

const maxWebhookBody = 25 << 20

// webhookHeaders names the delivery headers of each platform.
var webhookHeaders = map[string]struct {
	Event, Delivery, Signature string
}{
	platform.GitHub: {Event: "X-GitHub-Event", Delivery: "X-GitHub-Delivery", Signature: "X-Hub-Signature-256"},
}

// ReceiveWebhook always answers 200 so platforms do not retry or disable the
// hook. The body says whether the event was taken.
func (a Api) ReceiveWebhook(c *gin.Context) {
	name := c.Param("platform")
	headers, ok := webhookHeaders[name]
	if !ok {
		c.String(http.StatusOK, reviewpipe.WebhookIgnored)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		logrus.WithError(err).WithField("platform", name).Warn("failed to read webhook body")
		c.String(http.StatusOK, reviewpipe.WebhookIgnored)
		return
	}

	result := a.service.IngestWebhook(c.Request.Context(), reviewpipe.InboundEvent{
		Platform:   name,
		Event:      c.GetHeader(headers.Event),
		DeliveryID: c.GetHeader(headers.Delivery),
		Signature:  c.GetHeader(headers.Signature),
		Payload:    body,
	})
	c.String(http.StatusOK, result.Message())
}
