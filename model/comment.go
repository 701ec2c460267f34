package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	SideRight = "RIGHT"
	SideLeft  = "LEFT"
)

// LineComment is an inline review comment anchored to a line range of the diff.
// StartLine is zero for single-line comments.
type LineComment struct {
	Path      string `json:"path"`
	Body      string `json:"body"`
	StartLine int    `json:"start_line,omitempty"`
	Line      int    `json:"line"`
	Side      string `json:"side,omitempty"`
	// PlatformCommentID is set when the comment already exists on the platform
	// and must be edited instead of created.
	PlatformCommentID string `json:"platform_comment_id,omitempty"`
}

func (c LineComment) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Body, validation.Required),
		validation.Field(&c.Line, validation.Required, validation.Min(1)),
		validation.Field(&c.StartLine, validation.Min(0), validation.By(func(value interface{}) error {
			if c.StartLine > c.Line {
				return errors.New("start_line must not be after line")
			}
			return nil
		})),
		validation.Field(&c.Side, validation.In(SideRight, SideLeft)),
	)
}

// Comment is a review comment as returned by the platform.
type Comment struct {
	ID        string `json:"id"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	Line      int    `json:"line"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

const (
	ReasonLinesMismatch = "failed_lines_mismatch"
	ReasonTerminal      = "failed_terminal"
	ReasonTransient     = "failed_transient"
	ReasonNetwork       = "failed_network"
	ReasonInvalid       = "failed_invalid_comment"
	ReasonCanceled      = "failed_canceled"
)

// CommentDeliveryAttempt is one try of posting a line comment.
type CommentDeliveryAttempt struct {
	Number     int    `json:"number"`
	StartLine  int    `json:"start_line,omitempty"`
	Line       int    `json:"line"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type DeliveryResult struct {
	Comment           LineComment              `json:"comment"`
	Status            DeliveryStatus           `json:"status"`
	Reason            string                   `json:"reason,omitempty"`
	PlatformCommentID string                   `json:"platform_comment_id,omitempty"`
	Attempts          []CommentDeliveryAttempt `json:"attempts"`
}
