package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/reviewpipe/reviewpipe/model"
)

// ReviewCommand in an issue comment on a pull request asks for a new review.
const ReviewCommand = "/review"

// Trigger is what an inbound event asks the worker to do.
type Trigger struct {
	Subject model.ReviewSubject
	Review  bool
	// NeedsHead is set when the event does not carry the head commit and the
	// pull request has to be fetched first.
	NeedsHead bool
	Reason    string
}

type githubRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type githubPullRequest struct {
	Number int  `json:"number"`
	Draft  bool `json:"draft"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		SHA string `json:"sha"`
	} `json:"base"`
}

type githubEvent struct {
	Action      string             `json:"action"`
	Repository  githubRepository   `json:"repository"`
	PullRequest *githubPullRequest `json:"pull_request"`
	Issue       *struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment *struct {
		Body string `json:"body"`
	} `json:"comment"`
}

var reviewActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"ready_for_review": true,
}

// EventAction extracts the action field of a GitHub payload, empty when absent.
func EventAction(payload []byte) string {
	var e struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(payload, &e)
	return e.Action
}

// ParseGitHubEvent reads only the fields needed to decide whether a review runs.
func ParseGitHubEvent(event string, payload []byte) (*Trigger, error) {
	var e githubEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", event, err)
	}

	subject := model.ReviewSubject{
		Platform:     GitHub,
		RepositoryID: strconv.FormatInt(e.Repository.ID, 10),
		Owner:        e.Repository.Owner.Login,
		Repository:   e.Repository.Name,
	}

	switch event {
	case "pull_request":
		if e.PullRequest == nil {
			return nil, fmt.Errorf("pull_request payload without pull_request")
		}
		subject.PullRequestNumber = e.PullRequest.Number
		subject.HeadSHA = e.PullRequest.Head.SHA
		subject.BaseSHA = e.PullRequest.Base.SHA
		subject.Draft = e.PullRequest.Draft
		if !reviewActions[e.Action] {
			return &Trigger{Subject: subject, Reason: fmt.Sprintf("action %q does not trigger a review", e.Action)}, nil
		}
		return &Trigger{Subject: subject, Review: true}, nil

	case "issue_comment":
		if e.Issue == nil || e.Issue.PullRequest == nil {
			return &Trigger{Subject: subject, Reason: "comment is not on a pull request"}, nil
		}
		subject.PullRequestNumber = e.Issue.Number
		if e.Action != "created" || e.Comment == nil || !strings.HasPrefix(strings.TrimSpace(e.Comment.Body), ReviewCommand) {
			return &Trigger{Subject: subject, Reason: "comment is not a review command"}, nil
		}
		return &Trigger{Subject: subject, Review: true, NeedsHead: true}, nil

	default:
		if e.PullRequest != nil {
			subject.PullRequestNumber = e.PullRequest.Number
			subject.HeadSHA = e.PullRequest.Head.SHA
		}
		return &Trigger{Subject: subject, Reason: fmt.Sprintf("%s events are recorded only", event)}, nil
	}
}

// GetPullRequest fills the head and base commits of subject.
func (c *GitHubClient) GetPullRequest(ctx context.Context, subject model.ReviewSubject) (model.ReviewSubject, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.apiURL, subject.Owner, subject.Repository, subject.PullRequestNumber)
	var pr githubPullRequest
	if err := c.do(ctx, "GET", endpoint, nil, &pr); err != nil {
		return subject, err
	}
	subject.HeadSHA = pr.Head.SHA
	subject.BaseSHA = pr.Base.SHA
	subject.Draft = pr.Draft
	return subject, nil
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign produces the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
