package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes bounds request bodies read by DecodeJSON.
const DefaultMaxBodyBytes int64 = 64 * 1024

var (
	// ErrBodyTooLarge is returned when the request body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrEmptyBody is returned when a body is required but absent.
	ErrEmptyBody = errors.New("request body is empty")
)

// DecodeJSON reads at most limit bytes of r's body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// WriteJSON renders payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
