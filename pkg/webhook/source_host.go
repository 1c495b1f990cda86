package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"hookgate/internal"
	"hookgate/pkg/signature"

	"github.com/go-playground/webhooks/v6/github"
	"go.uber.org/zap"
)

// SourceHost is the GitHub-compatible source-control host.
type SourceHost struct {
	hook     *github.Webhook
	verifier signature.Verifier
	logger   *zap.SugaredLogger
}

var sourceHostEvents = []github.Event{
	github.CheckRunEvent,
	github.CheckSuiteEvent,
	github.CommitCommentEvent,
	github.CreateEvent,
	github.DeleteEvent,
	github.DependabotAlertEvent,
	github.DeployKeyEvent,
	github.DeploymentEvent,
	github.DeploymentStatusEvent,
	github.ForkEvent,
	github.GollumEvent,
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
	github.IntegrationInstallationEvent,
	github.IntegrationInstallationRepositoriesEvent,
	github.IssueCommentEvent,
	github.IssuesEvent,
	github.LabelEvent,
	github.MemberEvent,
	github.MembershipEvent,
	github.MilestoneEvent,
	github.MetaEvent,
	github.OrganizationEvent,
	github.OrgBlockEvent,
	github.PageBuildEvent,
	github.PingEvent,
	github.ProjectCardEvent,
	github.ProjectColumnEvent,
	github.ProjectEvent,
	github.PublicEvent,
	github.PullRequestEvent,
	github.PullRequestReviewEvent,
	github.PullRequestReviewCommentEvent,
	github.PushEvent,
	github.ReleaseEvent,
	github.RepositoryEvent,
	github.RepositoryVulnerabilityAlertEvent,
	github.SecurityAdvisoryEvent,
	github.StatusEvent,
	github.TeamEvent,
	github.TeamAddEvent,
	github.WatchEvent,
	github.WorkflowDispatchEvent,
	github.WorkflowJobEvent,
	github.WorkflowRunEvent,
	github.GitHubAppAuthorizationEvent,
}

// NewSourceHost builds the source. The typed parser runs without a secret;
// the receiver has already verified the body by then.
func NewSourceHost() (*SourceHost, error) {
	hook, err := github.New()
	if err != nil {
		return nil, err
	}
	return &SourceHost{
		hook:     hook,
		verifier: signature.HexHMAC{Prefix: "sha256="},
		logger:   internal.NewLogger("webhook").With("provider", internal.ProviderSourceHost),
	}, nil
}

func (s *SourceHost) Provider() string { return internal.ProviderSourceHost }

func (s *SourceHost) Verifier() signature.Verifier { return s.verifier }

func (s *SourceHost) Proof(r *http.Request, _ []byte) (signature.Proof, error) {
	return signature.Proof{Signature: r.Header.Get("X-Hub-Signature-256")}, nil
}

// Extract reads identifiers from headers. The body must be JSON. Known event
// types are also run through their typed schema, but a mismatch is only
// logged: the library structs can lag behind what the host sends.
func (s *SourceHost) Extract(r *http.Request, rawBody []byte) (Inbound, error) {
	deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	eventType := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	if eventType == "" {
		return Inbound{}, malformed("missing event type")
	}

	if !json.Valid(rawBody) {
		return Inbound{}, malformed("invalid JSON payload")
	}

	r.Body = io.NopCloser(bytes.NewReader(rawBody))
	if _, err := s.hook.Parse(r, sourceHostEvents...); err != nil && !errors.Is(err, github.ErrEventNotFound) {
		s.logger.Warnw("payload does not match typed schema", "event", eventType, "delivery_id", deliveryID, "error", err)
	}

	return Inbound{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Payload:    json.RawMessage(rawBody),
	}, nil
}
