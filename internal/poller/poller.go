// Package poller discovers tickets closed since a checkpoint by paging the
// workshop system-events feed.
package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"servicecert/internal/domain"
	"servicecert/internal/logging"
)

const (
	DefaultEventType = "ticket.closed"
	DefaultPageSize  = 100
	// maxPages stops a feed that never runs out of pages.
	maxPages = 500
)

// EventSource lists one page of system events. A missing feed must be
// reported as an empty page, not an error.
type EventSource interface {
	ListSystemEvents(ctx context.Context, eventType, afterID string, limit int) ([]domain.SystemEvent, error)
}

type Poller struct {
	src       EventSource
	eventType string
	pageSize  int
	log       *zap.Logger
}

type Option func(*Poller)

func WithEventType(t string) Option {
	return func(p *Poller) {
		if t != "" {
			p.eventType = t
		}
	}
}

func WithPageSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.log = logging.OrNop(l) }
}

func New(src EventSource, opts ...Option) *Poller {
	p := &Poller{
		src:       src,
		eventType: DefaultEventType,
		pageSize:  DefaultPageSize,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClosedTicketIDs returns the ids of tickets whose close event occurred at
// or after since, newest first, without duplicates. The feed is ordered
// newest first, so the first older event ends the scan. With
// unprocessedOnly, events already marked as externally processed are
// skipped.
func (p *Poller) ClosedTicketIDs(ctx context.Context, since time.Time, unprocessedOnly bool) ([]string, error) {
	var (
		ids     []string
		seen    = map[string]bool{}
		afterID string
		skipped int
		events  int
	)

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("system events: more than %d pages", maxPages)
		}
		batch, err := p.src.ListSystemEvents(ctx, p.eventType, afterID, p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("listing system events page %d: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		events += len(batch)

		stop := false
		for _, ev := range batch {
			if ev.OccurredAt.Before(since) {
				stop = true
				break
			}
			if unprocessedOnly && ev.Payload.ExternalProcessed {
				skipped++
				continue
			}
			id := ev.Payload.TicketID.String()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		// Pages may be shorter than the requested size, so only an older
		// event or an empty page ends the scan.
		if stop {
			break
		}
		next := batch[len(batch)-1].ID.String()
		if next == "" || next == afterID {
			break
		}
		afterID = next
	}

	p.log.Info("system events polled",
		zap.String("event_type", p.eventType),
		zap.Time("since", since),
		zap.Int("events", events),
		zap.Int("skipped_processed", skipped),
		zap.Int("tickets", len(ids)))
	return ids, nil
}
