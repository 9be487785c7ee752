package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/metrics"
)

// DefaultDedupeTTL is how long a delivery is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// StatusProcessed is the acknowledgement returned for every accepted delivery.
const StatusProcessed = "processed"

// Outcome describes what an accepted delivery did.
type Outcome struct {
	Status    string
	Applied   bool
	Duplicate bool
	// KYCStatus is the record status after the delivery, when known.
	KYCStatus string
}

// Ingestor turns signed provider callbacks into lifecycle signals.
type Ingestor struct {
	verifier *cryptoutils.WebhookVerifier
	coord    *lifecycle.Coordinator
	dedupe   Deduplicator
	ttl      time.Duration

	audit   interfaces.AuditSink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewIngestor creates an ingestor. A nil dedupe disables delivery dedupe;
// status monotonicity still makes repeated deliveries harmless.
func NewIngestor(verifier *cryptoutils.WebhookVerifier, coord *lifecycle.Coordinator, dedupe Deduplicator, audit interfaces.AuditSink, m *metrics.Metrics, log *slog.Logger) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		coord:    coord,
		dedupe:   dedupe,
		ttl:      DefaultDedupeTTL,
		audit:    audit,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Handle verifies, parses and applies one delivery. Nothing is read from the
// payload before the signature is verified.
func (in *Ingestor) Handle(ctx context.Context, body []byte, headers http.Header) (*Outcome, error) {
	if err := in.verifier.Verify(body, cryptoutils.SignatureFromHeaders(headers)); err != nil {
		in.metrics.WebhookDelivery("rejected")
		in.audit.Record(ctx, interfaces.AuditEvent{
			Type: interfaces.AuditWebhookRejected,
			Details: map[string]string{
				"reason":         err.Error(),
				"payload_digest": interfaces.ComputeID(body).String(),
			},
		})
		in.log.Warn("Rejected webhook with invalid signature", slog.Int("size", len(body)))
		return nil, err
	}

	event, err := ParseEvent(body)
	if err != nil {
		in.metrics.WebhookDelivery("invalid")
		return nil, err
	}

	key := interfaces.ComputeID(body).String()
	if in.dedupe != nil {
		first, err := in.dedupe.Claim(ctx, key, in.ttl)
		switch {
		case err != nil:
			in.log.Warn("Webhook dedupe unavailable, processing anyway", "err", err)
		case !first:
			in.metrics.WebhookDelivery("duplicate")
			in.log.Debug("Duplicate webhook delivery", slog.String("applicant_id", event.ApplicantID))
			return &Outcome{Status: StatusProcessed, Duplicate: true}, nil
		}
	}

	outcome, err := in.apply(ctx, event)
	if err != nil {
		if in.dedupe != nil {
			if relErr := in.dedupe.Release(ctx, key); relErr != nil {
				in.log.Warn("Failed to release webhook dedupe key", "err", relErr)
			}
		}
		in.metrics.WebhookDelivery("failed")
		return nil, err
	}

	if outcome.Applied {
		in.metrics.WebhookDelivery("applied")
	} else {
		in.metrics.WebhookDelivery("noop")
	}
	return outcome, nil
}

func (in *Ingestor) apply(ctx context.Context, event *interfaces.WebhookEvent) (*Outcome, error) {
	rec, err := in.coord.RecordByApplicant(ctx, event.ApplicantID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			in.log.Warn("Webhook for unknown applicant", slog.String("applicant_id", event.ApplicantID))
			return nil, interfaces.Errorf(interfaces.ErrNotFound, "webhook.Handle", "user_not_found")
		}
		return nil, err
	}

	outcome := &Outcome{Status: StatusProcessed, KYCStatus: rec.Status.String()}

	at := event.CreatedAt
	if at.IsZero() {
		at = in.now().UTC()
	}

	var sig *lifecycle.Signal
	switch event.Decision() {
	case interfaces.DecisionCompleted:
		if !interfaces.CanTransition(rec.Status, interfaces.StatusCompleted) {
			return outcome, nil
		}
		if sig, err = in.coord.CompletionSignal(ctx, event.ApplicantID, at); err != nil {
			return nil, err
		}
	case interfaces.DecisionRejected:
		sig = &lifecycle.Signal{
			ApplicantID: event.ApplicantID,
			Decision:    interfaces.DecisionRejected,
			OccurredAt:  at,
		}
	default:
		in.log.Debug("Webhook without a final decision",
			slog.String("applicant_id", event.ApplicantID),
			slog.String("type", event.Type),
			slog.String("review_status", event.ReviewStatus))
		return outcome, nil
	}

	res, err := in.coord.ApplySignal(ctx, *sig)
	if err != nil {
		return nil, err
	}
	outcome.Applied = res.Applied
	outcome.KYCStatus = res.Record.Status.String()
	return outcome, nil
}
