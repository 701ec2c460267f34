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
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reviewpipe/reviewpipe/config"
)

const (
	KeyHeader = "X-Reviewpipe-Key"
)

// AuthMiddleware guards the operator routes with the server secret key.
// Webhook routes are public; platforms authenticate with signatures instead.
type AuthMiddleware struct{}

func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{}
}

// Authenticate returns a middleware that checks the X-Reviewpipe-Key header
// against server.secret_key when secure mode is on.
//
// Responses:
// - 401 Unauthorized: the key is missing or wrong.
// - 403 Forbidden: the path is not a known resource.
// - 500 Internal Server Error: secure mode is on without a secret key.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		resource := getResourceFromPath(c.Request.URL.Path)
		if isPublic(resource) {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err == nil && !conf.Server.Secure {
			c.Next()
			return
		}
		if err != nil || conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		key := extractKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required. Use X-Reviewpipe-Key header"})
			return
		}
		if !secureCompare(conf.Server.SecretKey, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}
		if resource == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown resource type"})
			return
		}

		c.Set("resource", resource)
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	return c.GetHeader(KeyHeader)
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
