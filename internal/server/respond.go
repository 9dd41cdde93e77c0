package server

import (
	"encoding/json"
	"net/http"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// errBadRequest marks malformed request parameters
var errBadRequest = errors.New("bad request")

// ErrorBody is the payload of every failed request
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine readable code and a message
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// classify maps error to HTTP status and code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, pipeline.ErrCorruptCheckpoint):
		return http.StatusConflict, "CORRUPT_CHECKPOINT"
	case errors.Is(err, pipeline.ErrInvalidJobSpec), errors.Is(err, detect.ErrUnknownBackend), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, detect.ErrTransient), errors.Is(err, detect.ErrFatal):
		return http.StatusBadGateway, "DETECTOR_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zapRequest(r, err)...)
	}
	writeError(w, status, code, err.Error())
}

func zapRequest(r *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
}
