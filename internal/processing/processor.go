// Package processing drives one ticket to a terminal outcome: skipped when
// already certified, otherwise success, needs_review or failed, with one
// insert-only record per attempt.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"servicecert/internal/apierr"
	"servicecert/internal/certificate"
	"servicecert/internal/domain"
	"servicecert/internal/logging"
	"servicecert/internal/metrics"
	"servicecert/internal/storage/files"
	"servicecert/internal/storage/sqlite"
)

type OutcomeKind int

const (
	OutcomeSkipped OutcomeKind = iota
	OutcomeSuccess
	OutcomeNeedsReview
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSuccess:
		return string(domain.StatusSuccess)
	case OutcomeNeedsReview:
		return string(domain.StatusNeedsReview)
	case OutcomeFailed:
		return string(domain.StatusFailed)
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome describes what happened to a ticket. Reason is set for
// needs_review and failed.
type Outcome struct {
	Kind           OutcomeKind
	TicketID       string
	TicketNumber   string
	CertificateURL string
	Reason         string
}

const reasonTicketNotFound = "ticket not found"

type Store interface {
	HasSuccess(ctx context.Context, ticketID string) (bool, error)
	InsertRecord(ctx context.Context, rec domain.ProcessedTicketRecord) (int64, error)
}

type TicketSource interface {
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
}

type DataBuilder interface {
	Build(ctx context.Context, ticket domain.Ticket) (certificate.Data, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, objectPath string) (string, error)
}

// RenderFunc turns certificate data into document bytes.
type RenderFunc func(certificate.Data) ([]byte, error)

type Deps struct {
	Store    Store
	Tickets  TicketSource
	Builder  DataBuilder
	Render   RenderFunc
	Uploader Uploader
	Logger   *zap.Logger
	Now      func() time.Time
}

type Processor struct {
	store    Store
	tickets  TicketSource
	builder  DataBuilder
	render   RenderFunc
	uploader Uploader
	log      *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Processor {
	p := &Processor{
		store:    d.Store,
		tickets:  d.Tickets,
		builder:  d.Builder,
		render:   d.Render,
		uploader: d.Uploader,
		log:      logging.OrNop(d.Logger),
		now:      d.Now,
	}
	if p.render == nil {
		p.render = certificate.Render
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Process runs a ticket through the state machine. Errors are returned for
// infrastructure failures: before any record is written when the ticket or
// its data cannot be fetched, and after a failed record when rendering or
// upload fails.
func (p *Processor) Process(ctx context.Context, ticketID string) (Outcome, error) {
	start := time.Now()
	out, err := p.process(ctx, ticketID)
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	label := out.Kind.String()
	if err != nil && out.Kind != OutcomeFailed {
		label = "error"
	}
	metrics.Outcomes.WithLabelValues(label).Inc()

	fields := []zap.Field{
		zap.String("ticket_id", ticketID),
		zap.String("outcome", label),
		zap.Duration("duration", time.Since(start)),
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}
	if err != nil {
		p.log.Error("ticket processing failed", append(fields, zap.Error(err))...)
	} else {
		p.log.Info("ticket processed", fields...)
	}
	return out, err
}

func (p *Processor) process(ctx context.Context, ticketID string) (Outcome, error) {
	out := Outcome{TicketID: ticketID}

	done, err := p.store.HasSuccess(ctx, ticketID)
	if err != nil {
		return out, err
	}
	if done {
		out.Kind = OutcomeSkipped
		return out, nil
	}

	ticket, err := p.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if apierr.IsNotFound(err) {
			return p.needsReview(ctx, out, domain.ProcessedTicketRecord{TicketID: ticketID}, reasonTicketNotFound)
		}
		return out, fmt.Errorf("fetching ticket %s: %w", ticketID, err)
	}
	out.TicketNumber = ticket.TicketNumber
	base := domain.ProcessedTicketRecord{
		TicketID:     ticketID,
		TicketNumber: ticket.TicketNumber,
		CustomerID:   ticket.CustomerID.String(),
	}

	data, err := p.builder.Build(ctx, ticket)
	if err != nil {
		var dataErr *certificate.DataError
		if errors.As(err, &dataErr) {
			return p.needsReview(ctx, out, base, string(dataErr.Code)+": "+dataErr.Detail)
		}
		return out, fmt.Errorf("building certificate data for ticket %s: %w", ticketID, err)
	}
	if data.TicketNumber != "" {
		out.TicketNumber = data.TicketNumber
		base.TicketNumber = data.TicketNumber
	}

	pdf, err := p.render(data)
	if err != nil {
		return p.failed(ctx, out, base, fmt.Errorf("rendering certificate: %w", err))
	}
	url, err := p.uploader.Upload(ctx, pdf, files.ObjectPath(base.TicketNumber, ticketID))
	if err != nil {
		return p.failed(ctx, out, base, fmt.Errorf("uploading certificate: %w", err))
	}

	audit, err := json.Marshal(data.Audit())
	if err != nil {
		return p.failed(ctx, out, base, fmt.Errorf("encoding audit snapshot: %w", err))
	}
	rec := base
	rec.Status = domain.StatusSuccess
	rec.CertificateURL = url
	rec.RawPayload = string(audit)
	rec.ProcessedAt = p.now()
	if _, err := p.store.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, sqlite.ErrAlreadySucceeded) {
			out.Kind = OutcomeSkipped
			return out, nil
		}
		return out, fmt.Errorf("recording success for ticket %s: %w", ticketID, err)
	}
	out.Kind = OutcomeSuccess
	out.CertificateURL = url
	return out, nil
}

func (p *Processor) needsReview(ctx context.Context, out Outcome, rec domain.ProcessedTicketRecord, reason string) (Outcome, error) {
	rec.Status = domain.StatusNeedsReview
	rec.ErrorMessage = reason
	rec.ProcessedAt = p.now()
	if _, err := p.store.InsertRecord(ctx, rec); err != nil {
		return out, fmt.Errorf("recording needs_review for ticket %s: %w", rec.TicketID, err)
	}
	out.Kind = OutcomeNeedsReview
	out.Reason = reason
	return out, nil
}

// failed records the failure and returns cause so callers can escalate.
func (p *Processor) failed(ctx context.Context, out Outcome, rec domain.ProcessedTicketRecord, cause error) (Outcome, error) {
	rec.Status = domain.StatusFailed
	rec.ErrorMessage = cause.Error()
	rec.ProcessedAt = p.now()
	out.Kind = OutcomeFailed
	out.Reason = cause.Error()
	if _, err := p.store.InsertRecord(ctx, rec); err != nil {
		return out, errors.Join(cause, fmt.Errorf("recording failure for ticket %s: %w", rec.TicketID, err))
	}
	return out, cause
}
