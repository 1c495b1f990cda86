package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	"hookgate/internal"
	"hookgate/pkg/signature"
)

// TrackerHost is the Jira-style project tracker.
type TrackerHost struct {
	eventPath *fieldPath
}

func NewTrackerHost(eventPath string) (*TrackerHost, error) {
	if eventPath == "" {
		eventPath = "$.webhookEvent"
	}
	path, err := compileFieldPath(eventPath)
	if err != nil {
		return nil, err
	}
	return &TrackerHost{eventPath: path}, nil
}

func (s *TrackerHost) Provider() string { return internal.ProviderTrackerHost }

func (s *TrackerHost) Verifier() signature.Verifier { return signature.HexHMAC{Prefix: "sha256="} }

func (s *TrackerHost) Proof(r *http.Request, _ []byte) (signature.Proof, error) {
	return signature.Proof{Signature: r.Header.Get("X-Hub-Signature")}, nil
}

func (s *TrackerHost) Extract(r *http.Request, rawBody []byte) (Inbound, error) {
	doc, err := decodeDocument(rawBody)
	if err != nil {
		return Inbound{}, malformed("invalid JSON payload")
	}
	return Inbound{
		DeliveryID: strings.TrimSpace(r.Header.Get("X-Atlassian-Webhook-Identifier")),
		EventType:  s.eventPath.Lookup(doc),
		Payload:    json.RawMessage(rawBody),
	}, nil
}
