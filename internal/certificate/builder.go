// Package certificate assembles the data printed on a vehicle service
// certificate and renders it to PDF.
package certificate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"servicecert/internal/apierr"
	"servicecert/internal/domain"
	"servicecert/internal/extraction"
	"servicecert/internal/logging"
)

type DataErrorCode string

const (
	MissingVehicle      DataErrorCode = "MISSING_VEHICLE"
	MissingVehicleModel DataErrorCode = "MISSING_VEHICLE_MODEL"
	MissingFinishedAt   DataErrorCode = "MISSING_FINISHED_AT"
	MissingCustomer     DataErrorCode = "MISSING_CUSTOMER"
	MissingLocation     DataErrorCode = "MISSING_LOCATION"
)

// DataError means the upstream ticket lacks data the certificate requires.
// It needs a human, not a retry.
type DataError struct {
	Code     DataErrorCode
	TicketID string
	Detail   string
}

func (e *DataError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ticket %s: %s", e.TicketID, e.Code)
	}
	return fmt.Sprintf("ticket %s: %s: %s", e.TicketID, e.Code, e.Detail)
}

// Source is the subset of the workshop API the builder reads.
type Source interface {
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
	GetLocation(ctx context.Context, id string) (domain.Location, error)
	GetEmployee(ctx context.Context, id string) (domain.Employee, error)
	GetVehicleMake(ctx context.Context, id string) (domain.VehicleMake, error)
	GetVehicleModel(ctx context.Context, id string) (domain.VehicleModel, error)
}

type Extractor interface {
	Extract(ctx context.Context, ticketID string, conversation *string) (extraction.Result, error)
}

type Workshop struct {
	Name    string
	Address string
	Phone   string
}

// Data is everything printed on one certificate.
type Data struct {
	TicketID     string
	TicketNumber string
	ServiceDate  time.Time
	Workshop     Workshop
	Technician   string
	CustomerName string
	VehicleMake  string
	VehicleModel string
	Extraction   extraction.Result
}

func (d Data) Registration() string {
	if d.Extraction.VehicleRegistration == nil {
		return ""
	}
	return *d.Extraction.VehicleRegistration
}

func (d Data) Mileage() string {
	if d.Extraction.VehicleMileage == nil {
		return ""
	}
	return *d.Extraction.VehicleMileage
}

// Audit is the redacted snapshot stored with a success record. It never
// holds conversation text, contact details or credentials.
type Audit struct {
	Workshop               string   `json:"workshop"`
	VehicleMake            string   `json:"vehicle_make"`
	VehicleModel           string   `json:"vehicle_model"`
	JobNumber              string   `json:"job_number"`
	ServiceDate            string   `json:"service_date"`
	ExtractionMethod       string   `json:"extraction_method"`
	RegistrationConfidence float64  `json:"registration_confidence"`
	MileageConfidence      float64  `json:"mileage_confidence"`
	Warnings               []string `json:"warnings,omitempty"`
}

func (d Data) Audit() Audit {
	a := Audit{
		Workshop:               d.Workshop.Name,
		VehicleMake:            d.VehicleMake,
		VehicleModel:           d.VehicleModel,
		JobNumber:              d.TicketNumber,
		ServiceDate:            d.ServiceDate.Format("2006-01-02"),
		ExtractionMethod:       string(d.Extraction.Method),
		RegistrationConfidence: d.Extraction.RegistrationConfidence,
		MileageConfidence:      d.Extraction.MileageConfidence,
	}
	for _, w := range d.Extraction.Warnings {
		a.Warnings = append(a.Warnings, string(w.Code))
	}
	return a
}

type Builder struct {
	src       Source
	extractor Extractor
	loc       *time.Location
	log       *zap.Logger
}

// NewBuilder returns a builder printing dates in loc (UTC when nil).
func NewBuilder(src Source, extractor Extractor, loc *time.Location, log *zap.Logger) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{src: src, extractor: extractor, loc: loc, log: logging.OrNop(log)}
}

// Build gathers the certificate data for a ticket. Missing required
// upstream data returns a *DataError. Transport failures and extraction
// system errors are returned unchanged.
func (b *Builder) Build(ctx context.Context, ticket domain.Ticket) (Data, error) {
	id := ticket.ID.String()
	dataErr := func(code DataErrorCode, detail string) error {
		return &DataError{Code: code, TicketID: id, Detail: detail}
	}

	switch {
	case ticket.Vehicle == nil:
		return Data{}, dataErr(MissingVehicle, "ticket has no vehicle")
	case ticket.Vehicle.ModelID == "":
		return Data{}, dataErr(MissingVehicleModel, "vehicle has no model")
	case ticket.FinishedAt == nil || ticket.FinishedAt.IsZero():
		return Data{}, dataErr(MissingFinishedAt, "ticket has no finish time")
	case ticket.CustomerID == "":
		return Data{}, dataErr(MissingCustomer, "ticket has no customer")
	case ticket.LocationID == "":
		return Data{}, dataErr(MissingLocation, "ticket has no workshop location")
	}

	data := Data{
		TicketID:     id,
		TicketNumber: strings.TrimSpace(ticket.TicketNumber),
		ServiceDate:  ticket.FinishedAt.In(b.loc),
	}
	if data.TicketNumber == "" {
		data.TicketNumber = id
	}

	customer, err := b.src.GetCustomer(ctx, ticket.CustomerID.String())
	if err != nil {
		return Data{}, notFoundAs(err, dataErr(MissingCustomer, "customer "+ticket.CustomerID.String()+" not found"))
	}
	data.CustomerName = strings.TrimSpace(customer.Name)

	location, err := b.src.GetLocation(ctx, ticket.LocationID.String())
	if err != nil {
		return Data{}, notFoundAs(err, dataErr(MissingLocation, "location "+ticket.LocationID.String()+" not found"))
	}
	data.Workshop = Workshop{Name: location.Name, Address: location.Address, Phone: location.Phone}

	model, err := b.src.GetVehicleModel(ctx, ticket.Vehicle.ModelID.String())
	if err != nil {
		return Data{}, notFoundAs(err, dataErr(MissingVehicleModel, "vehicle model "+ticket.Vehicle.ModelID.String()+" not found"))
	}
	if strings.TrimSpace(model.Name) == "" {
		return Data{}, dataErr(MissingVehicleModel, "vehicle model has no name")
	}
	data.VehicleModel = model.Name

	makeID := ticket.Vehicle.MakeID
	if makeID == "" {
		makeID = model.MakeID
	}
	if makeID != "" {
		vm, err := b.src.GetVehicleMake(ctx, makeID.String())
		switch {
		case err == nil:
			data.VehicleMake = vm.Name
		case apierr.IsNotFound(err):
			b.log.Warn("vehicle make not found", zap.String("ticket_id", id), zap.String("make_id", makeID.String()))
		default:
			return Data{}, err
		}
	}

	if ticket.EmployeeID != "" {
		emp, err := b.src.GetEmployee(ctx, ticket.EmployeeID.String())
		switch {
		case err == nil:
			data.Technician = emp.Name()
		case apierr.IsNotFound(err):
			b.log.Warn("technician not found", zap.String("ticket_id", id), zap.String("employee_id", ticket.EmployeeID.String()))
		default:
			return Data{}, err
		}
	}

	result, err := b.extractor.Extract(ctx, id, nil)
	if err != nil {
		return Data{}, err
	}
	data.Extraction = result
	return data, nil
}

// notFoundAs replaces a not-found transport error with dataErr.
func notFoundAs(err, dataErr error) error {
	if apierr.IsNotFound(err) {
		return dataErr
	}
	return err
}
