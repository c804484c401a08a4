package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"buildomat/internal/blobstore"
	"buildomat/internal/files"
	"buildomat/internal/storage"
)

// apiError carries a status code chosen at the point the problem was
// detected. Anything else surfaces as a 500 with the detail both
// logged and returned behind the "internal error: " prefix.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string {
	return e.msg
}

func errBad(format string, args ...any) error {
	return &apiError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func errUnauth(format string, args ...any) error {
	return &apiError{http.StatusUnauthorized, fmt.Sprintf(format, args...)}
}

func errForbidden(format string, args ...any) error {
	return &apiError{http.StatusForbidden, fmt.Sprintf(format, args...)}
}

func respondError(w http.ResponseWriter, log *slog.Logger, err error) {
	var ae *apiError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &ae):
		http.Error(w, ae.msg, ae.code)
	case errors.As(err, &mbe):
		// An upload that blows through a size cap is the client's
		// mistake, not ours.
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, blobstore.ErrNoSuchKey):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, files.ErrParams):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error("request failed", "error", err)
		http.Error(w, "internal error: "+err.Error(),
			http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		v = map[string]any{}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		_ = err
	}
}

func pathInt(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil || n < 0 {
		return 0, errBad("invalid %s", name)
	}
	return n, nil
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return errBad("invalid request body: %v", err)
	}
	return nil
}
