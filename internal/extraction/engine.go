package extraction

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"servicecert/internal/integrations/llm"
	"servicecert/internal/logging"
	"servicecert/internal/metrics"
)

// ConversationSource returns the chronological conversation text of a
// ticket. ok is false when the ticket has no usable conversation.
type ConversationSource interface {
	ConversationText(ctx context.Context, ticketID string) (text string, ok bool, err error)
}

// Completer sends one system+user prompt pair to a language model.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, llm.Usage, error)
}

type Engine struct {
	conv ConversationSource
	llm  Completer
	log  *zap.Logger
}

func NewEngine(conv ConversationSource, completer Completer, log *zap.Logger) *Engine {
	return &Engine{conv: conv, llm: completer, log: logging.OrNop(log)}
}

// Extract produces the extraction result for a ticket. When conversation
// is nil the text is fetched from the conversation source. Missing or
// unusable data yields warnings, not errors; a *SystemError is returned
// only when the conversation or the model cannot be reached.
func (e *Engine) Extract(ctx context.Context, ticketID string, conversation *string) (Result, error) {
	var raw string
	if conversation != nil {
		raw = *conversation
	} else {
		if e.conv == nil {
			return Result{}, &SystemError{TicketID: ticketID, Op: "conversation fetch", Err: errors.New("no conversation source configured")}
		}
		text, ok, err := e.conv.ConversationText(ctx, ticketID)
		if err != nil {
			return Result{}, &SystemError{TicketID: ticketID, Op: "conversation fetch", Err: err}
		}
		if ok {
			raw = text
		}
	}

	text := Normalize(raw)
	if text == "" {
		res := Result{Method: MethodNoData}
		res.warn(WarnNoConversationData, "ticket %s has no conversation text", ticketID)
		e.record(ticketID, res)
		return res, nil
	}

	set := ScanCandidates(text)
	log := e.log.With(zap.String("ticket_id", ticketID))

	if set.Unambiguous() {
		res := fromCandidates(set)
		e.record(ticketID, res)
		return res, nil
	}

	log.Info("extraction ambiguous, asking model",
		zap.Int("registration_candidates", len(set.Registrations)),
		zap.Int("mileage_candidates", len(set.Mileages)))
	if e.llm == nil {
		return Result{}, &SystemError{TicketID: ticketID, Op: "llm fallback", Err: errors.New("no language model configured")}
	}
	reply, usage, err := e.llm.Complete(ctx, systemPrompt, buildUserPrompt(text, set))
	if err != nil {
		return Result{}, &SystemError{TicketID: ticketID, Op: "llm fallback", Err: err}
	}
	log.Debug("model replied", zap.Int64("tokens", usage.TotalTokens()), zap.Int("reply_size", len(reply)))

	res := fromModel(text, set, reply)
	e.record(ticketID, res)
	return res, nil
}

func (e *Engine) record(ticketID string, res Result) {
	metrics.Extractions.WithLabelValues(string(res.Method)).Inc()
	codes := make([]string, len(res.Warnings))
	for i, w := range res.Warnings {
		codes[i] = string(w.Code)
	}
	e.log.Info("extraction finished",
		zap.String("ticket_id", ticketID),
		zap.String("method", string(res.Method)),
		zap.Bool("registration_found", res.VehicleRegistration != nil),
		zap.Float64("registration_confidence", res.RegistrationConfidence),
		zap.Bool("mileage_found", res.VehicleMileage != nil),
		zap.Float64("mileage_confidence", res.MileageConfidence),
		zap.Strings("warnings", codes))
}

// fromCandidates is the fast path for exactly one candidate per field.
func fromCandidates(set CandidateSet) Result {
	res := Result{Method: MethodRegex}

	reg := set.Registrations[0]
	if value, ok := ValidRegistration(reg.Value); ok {
		res.VehicleRegistration = &value
		res.RegistrationConfidence = regexConfidence
		res.SourceSnippets.Registration = reg.Snippet
	} else {
		res.RegistrationConfidence = rejectedConfidence
		res.warn(WarnRegistrationInvalidFormat, "registration %q is not a valid UK plate", reg.Value)
	}

	miles := set.Mileages[0]
	if ValidMileage(miles.Value) {
		value := formatMileage(miles.Value)
		res.VehicleMileage = &value
		res.MileageConfidence = regexConfidence
		res.SourceSnippets.Mileage = miles.Snippet
	} else {
		res.MileageConfidence = rejectedConfidence
		res.warn(WarnMileageInvalidFormat, "mileage %d is outside [0, %d)", miles.Value, MaxMileage)
	}
	return res
}

// fromModel validates the model's reply with the same rules as the regex
// path. Reported confidence is kept only for values that pass.
func fromModel(text string, set CandidateSet, reply string) Result {
	res := Result{Method: MethodLLM}

	answer, ok := parseLLMResponse(reply)
	if !ok {
		res.warn(WarnLLMResponseUnparseable, "model reply did not contain a JSON object (%s)", describeCandidates(set))
		res.warn(WarnRegistrationNotFound, "no registration available")
		res.warn(WarnMileageNotFound, "no mileage available")
		return res
	}
	res.Reasoning = answer.Reasoning

	if answer.Registration == nil {
		res.warn(WarnRegistrationNotFound, "model found no registration")
	} else if value, valid := ValidRegistration(*answer.Registration); valid {
		res.VehicleRegistration = &value
		res.RegistrationConfidence = answer.RegistrationConfidence
		res.SourceSnippets.Registration = locateRegistration(text, value)
	} else {
		res.RegistrationConfidence = rejectedConfidence
		res.warn(WarnRegistrationInvalidFormat, "model registration %q is not a valid UK plate", *answer.Registration)
	}

	if answer.Mileage == nil {
		res.warn(WarnMileageNotFound, "model found no mileage")
	} else if miles, valid := ParseMileage(*answer.Mileage); valid {
		value := formatMileage(miles)
		res.VehicleMileage = &value
		res.MileageConfidence = answer.MileageConfidence
		res.SourceSnippets.Mileage = locateMileage(text, miles)
	} else {
		res.MileageConfidence = rejectedConfidence
		res.warn(WarnMileageInvalidFormat, "model mileage %q is not a number in [0, %d)", *answer.Mileage, MaxMileage)
	}
	return res
}
