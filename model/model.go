package model

import (
	"github.com/google/uuid"
)

// Record id prefixes.
const (
	PrefixExecution = "exec"
	PrefixStageLog  = "stg"
	PrefixJob       = "job"
	PrefixOutbox    = "obx"
)

// NewID returns a random identifier of the form "<prefix>_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
