package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

var ErrAlreadyExists = fmt.Errorf("already exists")
var ErrInternal = fmt.Errorf("internal error")
var ErrNotFound = fmt.Errorf("not found")
var ErrRequest = fmt.Errorf("request error")
var ErrBadRequest = fmt.Errorf("bad request")
var ErrBadResponse = fmt.Errorf("bad response")
var ErrInvalidRequest = fmt.Errorf("invalid request")
var ErrUnknownTenant = fmt.Errorf("unknown tenant")

// Errors raised while translating between entities and features, or while
// keeping a feature layer in sync with the broker.
var ErrGeometryDecode = fmt.Errorf("geometry decode error")
var ErrGeometryEncode = fmt.Errorf("geometry encode error")
var ErrUnknownProjection = fmt.Errorf("unknown projection")
var ErrMissingType = fmt.Errorf("missing entity type")
var ErrFetchPage = fmt.Errorf("page request failed")
var ErrPatchRequest = fmt.Errorf("patch request failed")
var ErrNotificationParse = fmt.Errorf("malformed notification")
var ErrRefetch = fmt.Errorf("entity refetch failed")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }

func NewAlreadyExistsError(msg string) error {
	return &myError{msg: msg, target: ErrAlreadyExists}
}

func NewBadRequestDataError(msg string) error {
	return &myError{msg: msg, target: ErrBadRequest}
}

func NewInvalidRequestError(msg string) error {
	return &myError{msg: msg, target: ErrInvalidRequest}
}

func NewNotFoundError(msg string) error {
	return &myError{msg: msg, target: ErrNotFound}
}

func NewUnknownTenantError(msg string) error {
	return &myError{msg: msg, target: ErrUnknownTenant}
}

func NewMissingTypeError(msg string) error {
	return &myError{msg: msg, target: ErrMissingType}
}

func NewGeometryDecodeError(msg string) error {
	return &myError{msg: msg, target: ErrGeometryDecode}
}

func NewNotificationParseError(msg string) error {
	return &myError{msg: msg, target: ErrNotificationParse}
}

const (
	problemTypeResourceNotFound  string = "https://uri.etsi.org/ngsi-ld/errors/ResourceNotFound"
	problemTypeNonexistentTenant string = "https://uri.etsi.org/ngsi-ld/errors/NonexistentTenant"
	problemTypeBadRequestData    string = "https://uri.etsi.org/ngsi-ld/errors/BadRequestData"
	problemTypeInvalidRequest    string = "https://uri.etsi.org/ngsi-ld/errors/InvalidRequest"
	problemTypeAlreadyExists     string = "https://uri.etsi.org/ngsi-ld/errors/AlreadyExists"
)

// NewErrorFromProblemReport maps an RFC7807 problem report, or an NGSI v2 error
// body ({"error": "...", "description": "..."}), to one of the sentinel errors
func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	report := &struct {
		Type        string `json:"type"`
		Title       string `json:"title"`
		Detail      string `json:"detail"`
		Error       string `json:"error"`
		Description string `json:"description"`
	}{}

	if len(body) > 0 {
		err := json.Unmarshal(body, report)
		if err != nil {
			return fmt.Errorf("failed to process problem report from context source: %s (%w)", err.Error(), ErrBadResponse)
		}
	}

	if report.Detail == "" {
		report.Detail = report.Description
	}

	switch {
	case code == http.StatusNotFound || report.Type == problemTypeResourceNotFound:
		return NewNotFoundError(report.Detail)
	case report.Type == problemTypeNonexistentTenant:
		return NewUnknownTenantError(report.Detail)
	case report.Type == problemTypeBadRequestData || report.Error == "BadRequest":
		return NewBadRequestDataError(report.Detail)
	case report.Type == problemTypeInvalidRequest:
		return NewInvalidRequestError(report.Detail)
	case report.Type == problemTypeAlreadyExists || code == http.StatusConflict:
		return NewAlreadyExistsError(report.Detail)
	}

	return fmt.Errorf(
		"[code: %d] unknown problem report of type \"%s\" with detail \"%s\" received (%w)",
		code, report.Type+report.Error, report.Detail, ErrInternal,
	)
}
