package api

import (
	"encoding/json"
	"net/http"
)

// ProblemReportContentType as required by https://tools.ietf.org/html/rfc7807
const ProblemReportContentType string = "application/problem+json"

type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	code   int
}

func newProblem(code int, typ, detail string) *problemDetails {
	return &problemDetails{
		Type:   "https://diwise.io/ngsi-feature-sync/errors/" + typ,
		Title:  http.StatusText(code),
		Detail: detail,
		code:   code,
	}
}

func (p *problemDetails) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", ProblemReportContentType)
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.code)

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}

func ReportBadRequest(w http.ResponseWriter, detail string) {
	newProblem(http.StatusBadRequest, "BadRequestData", detail).WriteResponse(w)
}

func ReportNotFound(w http.ResponseWriter, detail string) {
	newProblem(http.StatusNotFound, "ResourceNotFound", detail).WriteResponse(w)
}

func ReportAlreadyExists(w http.ResponseWriter, detail string) {
	newProblem(http.StatusConflict, "AlreadyExists", detail).WriteResponse(w)
}

func ReportForbidden(w http.ResponseWriter, detail string) {
	newProblem(http.StatusForbidden, "AccessDenied", detail).WriteResponse(w)
}

func ReportBadGateway(w http.ResponseWriter, detail string) {
	newProblem(http.StatusBadGateway, "BrokerError", detail).WriteResponse(w)
}

func ReportInternalError(w http.ResponseWriter, detail string) {
	newProblem(http.StatusInternalServerError, "InternalError", detail).WriteResponse(w)
}
