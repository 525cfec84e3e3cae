package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/features"
)

const maxSampleIDLen = 256

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("sampleid", validateSampleID)
}

// validateSampleID accepts printable ids of at most 256 bytes that are not
// only whitespace.
func validateSampleID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if len(id) > maxSampleIDLen || strings.TrimSpace(id) == "" {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// SamplesRequest is the body of the synchronous classify and probability
// endpoints.
type SamplesRequest struct {
	Samples     []features.RawSample `json:"samples" validate:"required,min=1,dive"`
	QCThreshold *float64             `json:"qcThreshold,omitempty"`
}

// Validate checks the request shape.
func (r *SamplesRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	return nil
}

// ConfidenceRequest is the body of the confidence endpoints and the payload
// of confidence jobs.
type ConfidenceRequest struct {
	Samples  []features.RawSample `json:"samples" validate:"required,min=1,dive"`
	Interval float64              `json:"interval"`
}

// Validate checks the request shape.
func (r *ConfidenceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	return nil
}

// FileRequest describes an uploaded expression matrix on local disk. It is
// the payload of analyse jobs.
type FileRequest struct {
	Path        string   `json:"path" validate:"required"`
	Filename    string   `json:"filename"`
	Delimiter   string   `json:"delimiter,omitempty" validate:"omitempty,max=5"`
	QCThreshold *float64 `json:"qcThreshold,omitempty"`
}

// Validate checks the request shape.
func (r *FileRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.MalformedInput, err, "invalid request")
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return apperr.New(apperr.MalformedInput, "invalid request: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s long", field, fe.Param())
	case "sampleid":
		return fmt.Sprintf("%s is not a valid sample id", field)
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}
