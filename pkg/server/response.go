package server

import (
	"encoding/json"
	"net/http"
)

// responseWriter records what a handler wrote so that it can be logged and counted.
type responseWriter struct {
	http.ResponseWriter
	err     error
	handler string
	status  int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.status != 0 {
		return
	}
	rw.status = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) Error() error {
	return rw.err
}

// WriteError writes the error as a plain text body.
func (rw *responseWriter) WriteError(statusCode int, err error) {
	rw.err = err
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.WriteHeader(statusCode)
	_, _ = rw.Write([]byte(err.Error()))
}

func (rw *responseWriter) WriteJSON(statusCode int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	_, err = rw.Write(b)
	return err
}
