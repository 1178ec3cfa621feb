package domain

import "time"

// RecordStatus is the terminal status stored for one processing attempt.
type RecordStatus string

const (
	StatusSuccess     RecordStatus = "success"
	StatusNeedsReview RecordStatus = "needs_review"
	StatusFailed      RecordStatus = "failed"
)

// ProcessedTicketRecord is one row per processing attempt. Rows are insert
// only; a ticket counts as processed once a success row exists.
type ProcessedTicketRecord struct {
	ID             int64
	TicketID       string
	TicketNumber   string
	CustomerID     string
	Status         RecordStatus
	CertificateURL string
	ErrorMessage   string
	ProcessedAt    time.Time
	RawPayload     string
}
