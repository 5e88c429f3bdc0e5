package scopeweb

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/scopekit/scope"
)

// jsonAPI marshals API responses. Entries carry polymorphic payloads and the
// tail feed encodes one per event, so the faster drop-in codec matters here.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := jsonAPI.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, scope.ErrBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, scope.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scope.ErrStoreClosed):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	respondJSON(w, code, map[string]string{"error": err.Error()})
}
