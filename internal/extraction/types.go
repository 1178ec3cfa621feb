// Package extraction pulls a UK vehicle registration and an odometer
// mileage out of ticket conversation text. Unambiguous regex matches are
// trusted directly; anything else is resolved by a language model whose
// answer is validated with the same rules.
package extraction

import (
	"fmt"
	"slices"
)

// Method records which path produced a Result.
type Method string

const (
	MethodNoData Method = "no_data"
	MethodRegex  Method = "regex"
	MethodLLM    Method = "llm"
)

type WarningCode string

const (
	WarnNoConversationData        WarningCode = "NO_CONVERSATION_DATA"
	WarnRegistrationInvalidFormat WarningCode = "REGISTRATION_INVALID_FORMAT"
	WarnMileageInvalidFormat      WarningCode = "MILEAGE_INVALID_FORMAT"
	WarnRegistrationNotFound      WarningCode = "REGISTRATION_NOT_FOUND"
	WarnMileageNotFound           WarningCode = "MILEAGE_NOT_FOUND"
	WarnLLMResponseUnparseable    WarningCode = "LLM_RESPONSE_UNPARSEABLE"
)

// Warning is a data-quality finding. Warnings never abort extraction.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

type RegistrationCandidate struct {
	Value   string
	Snippet string
}

type MileageCandidate struct {
	Value   int
	Raw     string
	Snippet string
}

// CandidateSet holds the distinct regex matches in order of appearance.
type CandidateSet struct {
	Registrations []RegistrationCandidate
	Mileages      []MileageCandidate
}

// Unambiguous reports whether each field has exactly one candidate.
func (s CandidateSet) Unambiguous() bool {
	return len(s.Registrations) == 1 && len(s.Mileages) == 1
}

type Snippets struct {
	Registration string `json:"registration,omitempty"`
	Mileage      string `json:"mileage,omitempty"`
}

// Result is the outcome of one extraction. A nil value always carries a
// zero confidence or a warning explaining it.
type Result struct {
	VehicleRegistration    *string   `json:"vehicleRegistration"`
	VehicleMileage         *string   `json:"vehicleMileage"`
	RegistrationConfidence float64   `json:"registrationConfidence"`
	MileageConfidence      float64   `json:"mileageConfidence"`
	Warnings               []Warning `json:"warnings"`
	SourceSnippets         Snippets  `json:"sourceSnippets"`
	Method                 Method    `json:"method"`
	// Reasoning is the model's explanation, when one was given.
	Reasoning string `json:"reasoning,omitempty"`
}

func (r Result) HasWarning(code WarningCode) bool {
	return slices.ContainsFunc(r.Warnings, func(w Warning) bool { return w.Code == code })
}

func (r *Result) warn(code WarningCode, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}

// SystemError reports an infrastructure failure while extracting: the
// conversation could not be fetched or the model could not be reached.
// It is never used for missing or poor-quality data.
type SystemError struct {
	TicketID string
	Op       string
	Err      error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("extraction for ticket %s failed during %s: %v", e.TicketID, e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }
