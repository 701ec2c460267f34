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
package middleware

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe/config"
)

const defaultLimiterTTL = time.Hour

func passThrough(c *gin.Context) {
	c.Next()
}

// RateLimitMiddleware limits requests per client IP. Nothing is limited unless
// requests_per_second and burst are both set. Public resources are never
// limited: platforms deliver webhooks from a few shared addresses and every
// delivery must be answered with 200.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf == nil || conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return passThrough
	}

	ttl := defaultLimiterTTL
	if conf.RateLimit.CleanupIntervalSec != nil && *conf.RateLimit.CleanupIntervalSec > 0 {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*conf.RateLimit.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*conf.RateLimit.Burst)
	lmt.SetMessage("too many requests, slow down")

	return func(c *gin.Context) {
		if isPublic(getResourceFromPath(c.Request.URL.Path)) {
			c.Next()
			return
		}
		if httpErr := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpErr != nil {
			logrus.WithFields(logrus.Fields{
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
			}).Debug("request rate limited")
			status := httpErr.StatusCode
			if status == 0 {
				status = http.StatusTooManyRequests
			}
			c.AbortWithStatusJSON(status, gin.H{"error": httpErr.Message})
			return
		}
		c.Next()
	}
}
