package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// payload is the provider callback body. Only the fields the coordinator
// needs are decoded.
type payload struct {
	ApplicantID  string    `json:"applicantId"`
	Type         string    `json:"type"`
	ReviewStatus string    `json:"reviewStatus"`
	CreatedAtMs  timestamp `json:"createdAtMs"`
	CreatedAt    timestamp `json:"createdAt"`
	ReviewResult struct {
		ReviewAnswer string `json:"reviewAnswer"`
	} `json:"reviewResult"`
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// timestamp accepts either a provider date string or unix milliseconds.
type timestamp struct {
	time.Time
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	// Unparseable dates leave the event unordered rather than rejecting it.
	return nil
}

// ParseEvent decodes a provider callback body.
func ParseEvent(body []byte) (*interfaces.WebhookEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, interfaces.Errorf(interfaces.ErrValidation, "webhook.ParseEvent", "invalid payload: %v", err)
	}
	if strings.TrimSpace(p.ApplicantID) == "" {
		return nil, interfaces.Errorf(interfaces.ErrValidation, "webhook.ParseEvent", "applicantId is required")
	}

	createdAt := p.CreatedAtMs.Time
	if createdAt.IsZero() {
		createdAt = p.CreatedAt.Time
	}

	return &interfaces.WebhookEvent{
		ApplicantID:  strings.TrimSpace(p.ApplicantID),
		ReviewStatus: p.ReviewStatus,
		ReviewAnswer: p.ReviewResult.ReviewAnswer,
		Type:         p.Type,
		CreatedAt:    createdAt,
		Payload:      body,
	}, nil
}
