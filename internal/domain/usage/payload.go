package usage

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"costops/pkg/errors"
)

// Payload is the webhook body accepted by POST /v1/usage
type Payload struct {
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  *int64    `json:"input_tokens"`
	OutputTokens *int64    `json:"output_tokens"`
	CachedTokens *int64    `json:"cached_tokens,omitempty"`
	Metadata     Metadata  `json:"metadata,omitempty"`
}

// DecodePayload strictly decodes one JSON payload
func DecodePayload(r io.Reader) (*Payload, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, errors.NewValidationError("body", "malformed JSON: "+err.Error(), nil)
	}
	if dec.More() {
		return nil, errors.NewValidationError("body", "trailing data after JSON object", nil)
	}
	return &p, nil
}

// DecodePayloadBytes is DecodePayload over a byte slice
func DecodePayloadBytes(b []byte) (*Payload, error) {
	return DecodePayload(bytes.NewReader(b))
}

// Validate checks the schema and field constraints. now and maxSkew bound
// how far in the future the timestamp may be.
func (p *Payload) Validate(now time.Time, maxSkew time.Duration) error {
	var m errors.MultiError

	required := map[string]string{
		"tenant_id":  p.TenantID,
		"request_id": p.RequestID,
		"provider":   p.Provider,
		"model":      p.Model,
	}
	for _, field := range []string{"tenant_id", "request_id", "provider", "model"} {
		if strings.TrimSpace(required[field]) == "" {
			m.Add(errors.NewValidationError(field, "required", nil))
		}
	}

	if p.Timestamp.IsZero() {
		m.Add(errors.NewValidationError("timestamp", "required", nil))
	} else if p.Timestamp.After(now.Add(maxSkew)) {
		m.Add(errors.NewValidationError("timestamp", "too far in the future", p.Timestamp.UTC().Format(time.RFC3339Nano)))
	}

	checkTokens := func(field string, v *int64, isRequired bool) {
		if v == nil {
			if isRequired {
				m.Add(errors.NewValidationError(field, "required", nil))
			}
			return
		}
		if *v < 0 {
			m.Add(errors.NewValidationError(field, "must be >= 0", *v))
		}
	}
	checkTokens("input_tokens", p.InputTokens, true)
	checkTokens("output_tokens", p.OutputTokens, true)
	checkTokens("cached_tokens", p.CachedTokens, false)

	return m.ToError()
}

// ToRecord builds the immutable record. Timestamps are normalised to UTC
// with millisecond resolution.
func (p *Payload) ToRecord(receivedAt time.Time) *Record {
	rec := &Record{
		ID:         uuid.New(),
		TenantID:   p.TenantID,
		RequestID:  p.RequestID,
		Provider:   p.Provider,
		Model:      p.Model,
		Timestamp:  p.Timestamp.UTC().Truncate(time.Millisecond),
		Metadata:   p.Metadata,
		ReceivedAt: receivedAt.UTC(),
	}
	if p.InputTokens != nil {
		rec.InputTokens = *p.InputTokens
	}
	if p.OutputTokens != nil {
		rec.OutputTokens = *p.OutputTokens
	}
	if p.CachedTokens != nil {
		rec.CachedTokens = *p.CachedTokens
	}
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	return rec
}
