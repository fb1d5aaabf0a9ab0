package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

// Operations shared by every record type. Type-specific operations use the
// model.Op* action names.
const (
	OpCreate  = "create"
	OpApprove = "approve"
	OpReject  = "reject"
	OpClose   = "close"
	OpComment = "comment"
)

// Command is one mutating request against a record collection.
type Command struct {
	Operation      string
	Input          json.RawMessage
	IdempotencyKey string
}

// CommentInput is the body of a comment command.
type CommentInput struct {
	Text string `json:"text" validate:"max=4000"`
}

// AssignInput names the investigator of a deviation.
type AssignInput struct {
	Investigator string `json:"investigator" validate:"required,max=200"`
}

// ExtensionInput carries the reason for a target date extension.
type ExtensionInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// RiskInput is a severity/probability pair, each scored 1 to 5.
type RiskInput struct {
	Severity    int `json:"severity" validate:"required,min=1,max=5"`
	Probability int `json:"probability" validate:"required,min=1,max=5"`
}

// PIRCInput schedules a product impact review committee meeting.
type PIRCInput struct {
	Date time.Time `json:"date" validate:"required"`
}

// PhaseUpdateInput records the outcome of an investigation phase.
type PhaseUpdateInput struct {
	Phase string `json:"phase" validate:"required"`
	workflow.PhaseInput
}

type noInput struct{}

// inputFactories maps each operation to a constructor of its input value.
var inputFactories = map[string]func() any{
	OpCreate:                   func() any { return &workflow.NewRecordInput{} },
	OpApprove:                  func() any { return &noInput{} },
	OpReject:                   func() any { return &noInput{} },
	OpClose:                    func() any { return &workflow.CloseInput{} },
	OpComment:                  func() any { return &CommentInput{} },
	model.OpAssignInvestigator: func() any { return &AssignInput{} },
	model.OpTriggerCAPA:        func() any { return &noInput{} },
	model.OpRequestExtension:   func() any { return &ExtensionInput{} },
	model.OpAddFinding:         func() any { return &workflow.FindingInput{} },
	model.OpAssessRisk:         func() any { return &RiskInput{} },
	model.OpSchedulePIRC:       func() any { return &PIRCInput{} },
	model.OpUpdatePhase:        func() any { return &PhaseUpdateInput{} },
	model.OpNextPhase:          func() any { return &noInput{} },
}

// KnownOperation reports whether op names an executable operation.
func KnownOperation(op string) bool {
	_, ok := inputFactories[op]
	return ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeInput parses the raw input of cmd into the operation's input type
// and validates it.
func decodeInput(cmd Command) (any, error) {
	factory, ok := inputFactories[cmd.Operation]
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown operation %q", cmd.Operation))
	}
	in := factory()

	raw := bytes.TrimSpace(cmd.Input)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(in); err != nil {
			return nil, model.NewBadRequestError(fmt.Sprintf("invalid %s input: %v", cmd.Operation, err))
		}
	}

	if err := ValidateStruct(in); err != nil {
		return nil, err
	}
	return in, nil
}

// ValidateStruct runs the struct validation tags of v and converts failures
// into a VALIDATION_ERROR envelope.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return model.NewBadRequestError(err.Error())
	}

	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Field(),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return model.NewValidationError(details)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

func newEventID() string {
	return uuid.NewString()
}
