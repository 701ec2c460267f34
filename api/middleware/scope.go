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

import "strings"

// Resource is a group of routes the auth middleware decides on together.
type Resource string

const (
	ResourceWebhooks    Resource = "webhooks"
	ResourceExecutions  Resource = "executions"
	ResourceOutbox      Resource = "outbox"
	ResourceDeadLetters Resource = "dead-letters"
)

var pathToResource = map[string]Resource{
	"webhooks":     ResourceWebhooks,
	"executions":   ResourceExecutions,
	"outbox":       ResourceOutbox,
	"dead-letters": ResourceDeadLetters,
}

// publicResources skip the secret key check.
var publicResources = map[Resource]bool{
	ResourceWebhooks: true,
}

// getResourceFromPath maps the first path segment to a resource, empty when
// unknown.
func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

func isPublic(r Resource) bool {
	return publicResources[r]
}
