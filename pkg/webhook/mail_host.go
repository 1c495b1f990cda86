package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hookgate/internal"
	"hookgate/pkg/signature"
)

const maxFormMemory = 1 << 20

// MailHost is the Mailgun-style transactional mail provider. Its proof is
// HMAC(timestamp:token) carried in form fields or a JSON "signature" object,
// so the body itself is not signed. Deliveries are keyed on the signed token
// in both encodings.
type MailHost struct {
	deliveryPath *fieldPath
	eventPath    *fieldPath
	verifier     signature.TimestampToken
}

// NewMailHost builds the source. A zero tolerance disables the timestamp
// freshness check.
func NewMailHost(deliveryPath, eventPath string, tolerance time.Duration) (*MailHost, error) {
	if deliveryPath == "" {
		deliveryPath = "$.signature.token"
	}
	if eventPath == "" {
		eventPath = `$["event-data"].event`
	}
	delivery, err := compileFieldPath(deliveryPath)
	if err != nil {
		return nil, err
	}
	event, err := compileFieldPath(eventPath)
	if err != nil {
		return nil, err
	}
	return &MailHost{
		deliveryPath: delivery,
		eventPath:    event,
		verifier:     signature.TimestampToken{Tolerance: tolerance},
	}, nil
}

func (s *MailHost) Provider() string { return internal.ProviderMailHost }

func (s *MailHost) Verifier() signature.Verifier { return s.verifier }

func (s *MailHost) Proof(r *http.Request, rawBody []byte) (signature.Proof, error) {
	if isJSON(r) {
		var envelope struct {
			Signature struct {
				Timestamp string `json:"timestamp"`
				Token     string `json:"token"`
				Signature string `json:"signature"`
			} `json:"signature"`
		}
		if err := json.Unmarshal(rawBody, &envelope); err != nil {
			return signature.Proof{}, err
		}
		return signature.Proof{
			Signature: envelope.Signature.Signature,
			Timestamp: envelope.Signature.Timestamp,
			Token:     envelope.Signature.Token,
		}, nil
	}
	form, err := parseForm(r.Header.Get("Content-Type"), rawBody)
	if err != nil {
		return signature.Proof{}, err
	}
	return signature.Proof{
		Signature: form.Get("signature"),
		Timestamp: form.Get("timestamp"),
		Token:     form.Get("token"),
	}, nil
}

func (s *MailHost) Extract(r *http.Request, rawBody []byte) (Inbound, error) {
	if isJSON(r) {
		doc, err := decodeDocument(rawBody)
		if err != nil {
			return Inbound{}, malformed("invalid JSON payload")
		}
		return Inbound{
			DeliveryID: s.deliveryPath.Lookup(doc),
			EventType:  s.eventPath.Lookup(doc),
			Payload:    json.RawMessage(rawBody),
		}, nil
	}

	form, err := parseForm(r.Header.Get("Content-Type"), rawBody)
	if err != nil {
		return Inbound{}, malformed("invalid form payload")
	}
	fields := make(map[string]string, len(form))
	for key := range form {
		fields[key] = form.Get(key)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{
		DeliveryID: form.Get("token"),
		EventType:  form.Get("event"),
		Payload:    payload,
	}, nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// parseForm decodes the already buffered body; r.ParseForm would read the
// consumed stream.
func parseForm(contentType string, rawBody []byte) (url.Values, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, err
	}
	switch mediaType {
	case "application/x-www-form-urlencoded":
		return url.ParseQuery(string(rawBody))
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart boundary missing")
		}
		form, err := multipart.NewReader(bytes.NewReader(rawBody), boundary).ReadForm(maxFormMemory)
		if err != nil {
			return nil, err
		}
		defer func() { _ = form.RemoveAll() }()
		return url.Values(form.Value), nil
	default:
		return nil, errors.New("unsupported content type " + mediaType)
	}
}
