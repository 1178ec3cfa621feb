package processing

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicecert/internal/apierr"
	"servicecert/internal/certificate"
	"servicecert/internal/domain"
	"servicecert/internal/extraction"
	"servicecert/internal/storage/sqlite"
)

type fakeTickets struct {
	tickets map[string]domain.Ticket
	err     error
	calls   int
}

func (f *fakeTickets) GetTicket(_ context.Context, id string) (domain.Ticket, error) {
	f.calls++
	if f.err != nil {
		return domain.Ticket{}, f.err
	}
	t, ok := f.tickets[id]
	if !ok {
		return domain.Ticket{}, &apierr.Error{Kind: apierr.KindNotFound, API: "workshop", Endpoint: "/tickets/" + id, StatusCode: 404}
	}
	return t, nil
}

type fakeBuilder struct {
	err error
}

func (f *fakeBuilder) Build(_ context.Context, t domain.Ticket) (certificate.Data, error) {
	if f.err != nil {
		return certificate.Data{}, f.err
	}
	reg, miles := "AB12 CDE", "45,000"
	return certificate.Data{
		TicketID:     t.ID.String(),
		TicketNumber: t.TicketNumber,
		ServiceDate:  time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Workshop:     certificate.Workshop{Name: "Northside Motors"},
		VehicleMake:  "Ford",
		VehicleModel: "Focus",
		Extraction: extraction.Result{
			VehicleRegistration:    &reg,
			VehicleMileage:         &miles,
			RegistrationConfidence: 0.95,
			MileageConfidence:      0.95,
			Method:                 extraction.MethodRegex,
		},
	}, nil
}

type fakeUploader struct {
	fail  int
	calls int
	paths []string
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte, objectPath string) (string, error) {
	f.calls++
	if f.calls <= f.fail {
		return "", errors.New("bucket unavailable")
	}
	f.paths = append(f.paths, objectPath)
	return "https://certs.example/" + objectPath, nil
}

// forgetfulStore hides existing successes so the unique index is the only
// guard left.
type forgetfulStore struct{ *sqlite.Store }

func (forgetfulStore) HasSuccess(context.Context, string) (bool, error) { return false, nil }

type harness struct {
	store    *sqlite.Store
	tickets  *fakeTickets
	builder  *fakeBuilder
	uploader *fakeUploader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "processing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		store: store,
		tickets: &fakeTickets{tickets: map[string]domain.Ticket{
			"501": {ID: "501", TicketNumber: "J-100", CustomerID: "c1"},
		}},
		builder:  &fakeBuilder{},
		uploader: &fakeUploader{},
	}
}

func (h *harness) processor(store Store) *Processor {
	if store == nil {
		store = h.store
	}
	return New(Deps{
		Store:    store,
		Tickets:  h.tickets,
		Builder:  h.builder,
		Uploader: h.uploader,
		Now:      func() time.Time { return time.Date(2025, 3, 14, 17, 0, 0, 0, time.UTC) },
	})
}

func TestProcessTwiceWritesOneSuccess(t *testing.T) {
	h := newHarness(t)
	p := h.processor(nil)
	ctx := context.Background()

	out, err := p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "https://certs.example/J-100-501.pdf", out.CertificateURL)
	assert.Equal(t, "J-100", out.TicketNumber)

	out, err = p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, 1, h.tickets.calls, "skipped tickets are not fetched again")
	assert.Equal(t, 1, h.uploader.calls)

	records, err := h.store.ListRecords(ctx, "501")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusSuccess, records[0].Status)
	assert.Equal(t, "c1", records[0].CustomerID)

	var audit certificate.Audit
	require.NoError(t, json.Unmarshal([]byte(records[0].RawPayload), &audit))
	assert.Equal(t, "J-100", audit.JobNumber)
	assert.Equal(t, "regex", audit.ExtractionMethod)
	assert.NotContains(t, records[0].RawPayload, "AB12 CDE")
}

func TestConcurrentSuccessCollapsesToSkipped(t *testing.T) {
	h := newHarness(t)
	p := h.processor(forgetfulStore{h.store})
	ctx := context.Background()

	first, err := p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, first.Kind)

	second, err := p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Kind)

	records, err := h.store.ListRecords(ctx, "501")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMissingTicketNeedsReview(t *testing.T) {
	h := newHarness(t)
	out, err := h.processor(nil).Process(context.Background(), "404")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsReview, out.Kind)
	assert.Equal(t, "ticket not found", out.Reason)

	records, err := h.store.ListRecords(context.Background(), "404")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusNeedsReview, records[0].Status)
	assert.Equal(t, "ticket not found", records[0].ErrorMessage)
}

func TestDataErrorNeedsReviewAndIsRetriedLater(t *testing.T) {
	h := newHarness(t)
	h.builder.err = &certificate.DataError{Code: certificate.MissingVehicle, TicketID: "501", Detail: "ticket has no vehicle"}
	p := h.processor(nil)
	ctx := context.Background()

	out, err := p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsReview, out.Kind)
	assert.True(t, strings.HasPrefix(out.Reason, "MISSING_VEHICLE"), out.Reason)
	assert.Zero(t, h.uploader.calls)

	h.builder.err = nil
	out, err = p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)

	records, err := h.store.ListRecords(ctx, "501")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusNeedsReview, records[0].Status)
	assert.Equal(t, domain.StatusSuccess, records[1].Status)
}

func TestUploadFailureRecordsFailedAndReturnsError(t *testing.T) {
	h := newHarness(t)
	h.uploader.fail = 1
	p := h.processor(nil)
	ctx := context.Background()

	out, err := p.Process(ctx, "501")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
	assert.Equal(t, OutcomeFailed, out.Kind)

	records, err := h.store.ListRecords(ctx, "501")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "uploading certificate")

	out, err = p.Process(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestRenderFailureRecordsFailed(t *testing.T) {
	h := newHarness(t)
	p := h.processor(nil)
	p.render = func(certificate.Data) ([]byte, error) { return nil, errors.New("font missing") }

	out, err := p.Process(context.Background(), "501")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Zero(t, h.uploader.calls)
}

func TestInfrastructureErrorsWriteNoRecord(t *testing.T) {
	h := newHarness(t)
	h.tickets.err = &apierr.Error{Kind: apierr.KindServer, API: "workshop", Endpoint: "/tickets/501", StatusCode: 503}
	p := h.processor(nil)
	ctx := context.Background()

	_, err := p.Process(ctx, "501")
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindServer, kind)

	h.tickets.err = nil
	h.builder.err = &extraction.SystemError{TicketID: "501", Op: "llm", Err: errors.New("rate limited")}
	_, err = p.Process(ctx, "501")
	require.Error(t, err)
	var sysErr *extraction.SystemError
	assert.True(t, errors.As(err, &sysErr))

	records, err := h.store.ListRecords(ctx, "501")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "needs_review", OutcomeNeedsReview.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
