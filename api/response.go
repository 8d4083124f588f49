package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/vinayprograms/taskhook/errors"
)

type errorBody struct {
	Error *apperrors.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status mapped from err's code. Uncoded
// errors become INTERNAL.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	coded, ok := err.(*apperrors.Error)
	if !ok {
		coded = apperrors.Wrap(err, err.Error())
	}
	status := coded.Code().HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", map[string]interface{}{
			"code":  string(coded.Code()),
			"error": err.Error(),
		})
	}
	writeJSON(w, status, errorBody{Error: coded})
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
