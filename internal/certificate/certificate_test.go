package certificate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"testing"
	"time"

	"servicecert/internal/apierr"
	"servicecert/internal/domain"
	"servicecert/internal/extraction"
)

type fakeSource struct {
	customers map[string]domain.Customer
	locations map[string]domain.Location
	employees map[string]domain.Employee
	makes     map[string]domain.VehicleMake
	models    map[string]domain.VehicleModel
	failWith  error
}

func notFound(what string) error {
	return &apierr.Error{Kind: apierr.KindNotFound, API: "workshop", Endpoint: what, StatusCode: 404}
}

func lookup[T any](f *fakeSource, m map[string]T, kind, id string) (T, error) {
	var zero T
	if f.failWith != nil {
		return zero, f.failWith
	}
	v, ok := m[id]
	if !ok {
		return zero, notFound(kind + "/" + id)
	}
	return v, nil
}

func (f *fakeSource) GetCustomer(_ context.Context, id string) (domain.Customer, error) {
	return lookup(f, f.customers, "customers", id)
}
func (f *fakeSource) GetLocation(_ context.Context, id string) (domain.Location, error) {
	return lookup(f, f.locations, "locations", id)
}
func (f *fakeSource) GetEmployee(_ context.Context, id string) (domain.Employee, error) {
	return lookup(f, f.employees, "employees", id)
}
func (f *fakeSource) GetVehicleMake(_ context.Context, id string) (domain.VehicleMake, error) {
	return lookup(f, f.makes, "vehicle-makes", id)
}
func (f *fakeSource) GetVehicleModel(_ context.Context, id string) (domain.VehicleModel, error) {
	return lookup(f, f.models, "vehicle-models", id)
}

type fakeExtractor struct {
	result extraction.Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(context.Context, string, *string) (extraction.Result, error) {
	f.calls++
	return f.result, f.err
}

func strPtr(s string) *string { return &s }

func newSource() *fakeSource {
	return &fakeSource{
		customers: map[string]domain.Customer{"c1": {ID: "c1", Name: "Priya Shah", Email: "priya@example.com"}},
		locations: map[string]domain.Location{"l1": {ID: "l1", Name: "Northside Motors", Address: "1 High St, Leeds"}},
		employees: map[string]domain.Employee{"e1": {ID: "e1", FirstName: "Sam", LastName: "Okafor"}},
		makes:     map[string]domain.VehicleMake{"mk1": {ID: "mk1", Name: "Ford"}},
		models:    map[string]domain.VehicleModel{"md1": {ID: "md1", Name: "Focus", MakeID: "mk1"}},
	}
}

func validTicket() domain.Ticket {
	finished := time.Date(2025, 3, 14, 16, 30, 0, 0, time.UTC)
	return domain.Ticket{
		ID:           "501",
		TicketNumber: "J-100",
		State:        "closed",
		FinishedAt:   &finished,
		CustomerID:   "c1",
		ChannelID:    "ch1",
		LocationID:   "l1",
		EmployeeID:   "e1",
		Vehicle:      &domain.TicketVehicle{ModelID: "md1"},
	}
}

func TestBuildAssemblesData(t *testing.T) {
	ext := &fakeExtractor{result: extraction.Result{
		VehicleRegistration:    strPtr("AB12 CDE"),
		VehicleMileage:         strPtr("45210"),
		RegistrationConfidence: 0.95,
		MileageConfidence:      0.95,
		Method:                 extraction.MethodRegex,
	}}
	b := NewBuilder(newSource(), ext, time.UTC, nil)

	data, err := b.Build(context.Background(), validTicket())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if data.Workshop.Name != "Northside Motors" || data.CustomerName != "Priya Shah" {
		t.Fatalf("unexpected parties: %+v", data)
	}
	if data.VehicleMake != "Ford" || data.VehicleModel != "Focus" {
		t.Fatalf("make should fall back to the model's make: %q %q", data.VehicleMake, data.VehicleModel)
	}
	if data.Technician != "Sam Okafor" {
		t.Fatalf("unexpected technician: %q", data.Technician)
	}
	if data.Registration() != "AB12 CDE" || data.Mileage() != "45210" {
		t.Fatalf("unexpected extraction values: %q %q", data.Registration(), data.Mileage())
	}

	audit := data.Audit()
	if audit.JobNumber != "J-100" || audit.ServiceDate != "2025-03-14" || audit.Workshop != "Northside Motors" {
		t.Fatalf("unexpected audit: %+v", audit)
	}
	if audit.ExtractionMethod != "regex" {
		t.Fatalf("unexpected audit method: %q", audit.ExtractionMethod)
	}
}

func TestBuildDataErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Ticket, *fakeSource)
		want   DataErrorCode
	}{
		{"no vehicle", func(tk *domain.Ticket, _ *fakeSource) { tk.Vehicle = nil }, MissingVehicle},
		{"no model id", func(tk *domain.Ticket, _ *fakeSource) { tk.Vehicle.ModelID = "" }, MissingVehicleModel},
		{"no finish time", func(tk *domain.Ticket, _ *fakeSource) { tk.FinishedAt = nil }, MissingFinishedAt},
		{"no customer id", func(tk *domain.Ticket, _ *fakeSource) { tk.CustomerID = "" }, MissingCustomer},
		{"no location id", func(tk *domain.Ticket, _ *fakeSource) { tk.LocationID = "" }, MissingLocation},
		{"customer gone", func(_ *domain.Ticket, s *fakeSource) { delete(s.customers, "c1") }, MissingCustomer},
		{"location gone", func(_ *domain.Ticket, s *fakeSource) { delete(s.locations, "l1") }, MissingLocation},
		{"model gone", func(_ *domain.Ticket, s *fakeSource) { delete(s.models, "md1") }, MissingVehicleModel},
		{"model unnamed", func(_ *domain.Ticket, s *fakeSource) { s.models["md1"] = domain.VehicleModel{ID: "md1"} }, MissingVehicleModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticket := validTicket()
			src := newSource()
			tt.mutate(&ticket, src)
			ext := &fakeExtractor{}
			b := NewBuilder(src, ext, nil, nil)

			_, err := b.Build(context.Background(), ticket)
			var dataErr *DataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("expected DataError, got %v", err)
			}
			if dataErr.Code != tt.want {
				t.Fatalf("code = %s, want %s", dataErr.Code, tt.want)
			}
			if ext.calls != 0 {
				t.Fatal("extraction must not run when data is missing")
			}
		})
	}
}

func TestBuildOptionalLookupsAreBenign(t *testing.T) {
	src := newSource()
	delete(src.employees, "e1")
	delete(src.makes, "mk1")
	b := NewBuilder(src, &fakeExtractor{}, nil, nil)

	data, err := b.Build(context.Background(), validTicket())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if data.Technician != "" || data.VehicleMake != "" {
		t.Fatalf("expected empty optional fields, got %q %q", data.Technician, data.VehicleMake)
	}
}

func TestBuildPropagatesSystemErrors(t *testing.T) {
	src := newSource()
	src.failWith = &apierr.Error{Kind: apierr.KindServer, API: "workshop", StatusCode: 503}
	b := NewBuilder(src, &fakeExtractor{}, nil, nil)

	_, err := b.Build(context.Background(), validTicket())
	var dataErr *DataError
	if err == nil || errors.As(err, &dataErr) {
		t.Fatalf("expected transport error, got %v", err)
	}

	sysErr := &extraction.SystemError{TicketID: "501", Op: "llm fallback", Err: errors.New("down")}
	b = NewBuilder(newSource(), &fakeExtractor{err: sysErr}, nil, nil)
	_, err = b.Build(context.Background(), validTicket())
	if !errors.Is(err, sysErr) {
		t.Fatalf("expected extraction system error, got %v", err)
	}
}

func TestRenderProducesPDF(t *testing.T) {
	data := Data{
		TicketID:     "501",
		TicketNumber: "J-100",
		ServiceDate:  time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Workshop:     Workshop{Name: "Northside (Leeds) Motors"},
		VehicleModel: "Focus",
		CustomerName: "Zoë",
		Extraction:   extraction.Result{VehicleRegistration: strPtr("AB12 CDE")},
	}
	pdf, err := Render(data)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-1.4\n")) || !bytes.HasSuffix(pdf, []byte("%%EOF\n")) {
		t.Fatal("output is not framed as a PDF")
	}
	for _, want := range []string{
		"(Job number: J-100)",
		"(Service date: 14 March 2025)",
		"(Registration: AB12 CDE)",
		"(Odometer: Not recorded)",
		"(Make: Not recorded)",
		`(Northside \(Leeds\) Motors)`,
		`(Customer: Zo\353)`,
	} {
		if !bytes.Contains(pdf, []byte(want)) {
			t.Fatalf("pdf missing %s", want)
		}
	}

	m := regexp.MustCompile(`startxref\n(\d+)\n`).FindSubmatch(pdf)
	if m == nil {
		t.Fatal("missing startxref")
	}
	xref, _ := strconv.Atoi(string(m[1]))
	if !bytes.HasPrefix(pdf[xref:], []byte("xref\n0 7\n")) {
		t.Fatalf("startxref %d does not point at the xref table", xref)
	}
	entries := regexp.MustCompile(`(\d{10}) 00000 n `).FindAllSubmatch(pdf[xref:], -1)
	if len(entries) != 6 {
		t.Fatalf("expected 6 xref entries, got %d", len(entries))
	}
	for i, e := range entries {
		off, _ := strconv.Atoi(string(e[1]))
		if !bytes.HasPrefix(pdf[off:], []byte(fmt.Sprintf("%d 0 obj", i+1))) {
			t.Fatalf("xref entry %d points at wrong offset %d", i+1, off)
		}
	}
}

func TestWrap(t *testing.T) {
	got := wrap("one two three four", 9)
	want := []string{"one two", "three", "four"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("wrap = %q, want %q", got, want)
	}
}
