package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/insightlytics/insight/internal/domain"
)

// Problem is the structured error body (problem+json shape): a
// machine-readable code plus a human-readable message.
type Problem struct {
	Code   string              `json:"code,omitempty"`
	Title  string              `json:"title,omitempty"`
	Status int                 `json:"status,omitempty"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, code, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Code:   code,
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

// WriteError maps the error taxonomy onto HTTP statuses.
func WriteError(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	var fields map[string][]string
	var de *domain.Error
	if errors.As(err, &de) && len(de.Fields) > 0 {
		fields = map[string][]string{}
		for _, fe := range de.Fields {
			fields[fe.Field] = append(fields[fe.Field], fe.Msg)
		}
	}
	switch kind {
	case domain.KindValidation:
		WriteProblem(w, http.StatusBadRequest, kind.String(), "validation failed", err.Error(), fields)
	case domain.KindNotFound:
		WriteProblem(w, http.StatusNotFound, kind.String(), "not found", err.Error(), nil)
	case domain.KindConflict:
		WriteProblem(w, http.StatusConflict, kind.String(), "conflict", err.Error(), nil)
	case domain.KindTimeout:
		WriteProblem(w, http.StatusGatewayTimeout, kind.String(), "timeout", err.Error(), nil)
	case domain.KindStore:
		WriteProblem(w, http.StatusServiceUnavailable, kind.String(), "store unavailable", err.Error(), nil)
	default:
		WriteProblem(w, http.StatusInternalServerError, "internal", "internal error", err.Error(), nil)
	}
}
