package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork matches every *NetworkError.
	ErrNetwork  = errors.New("network error")
	ErrConflict = errors.New("already exists")
	ErrNotFound = errors.New("not found")

	ErrMissingProcessedFilename = errors.New("processed filename is required")
)

// NetworkError is a transport failure or timeout. Callers surface it as a
// generic "try again" condition and do not retry automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the request ran out of time, either on the
// client's own timeout or the caller's deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// ValidationError carries the backend's structured rejection of a submission.
type ValidationError struct {
	Status  int
	Message string
	Errors  []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.Errors, "; "))
}

// StatusError is any other non-2xx answer.
type StatusError struct {
	Op     string
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

type errorBody struct {
	Detail           json.RawMessage `json:"detail"`
	Message          string          `json:"message"`
	ValidationReport *struct {
		Errors []string `json:"errors"`
	} `json:"validation_report"`
}

// detailString flattens FastAPI-style detail, which is either a string or a
// list of {loc, msg} objects.
func detailString(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		fields := make([]string, 0, len(items))
		for _, it := range items {
			loc := make([]string, 0, len(it.Loc))
			for _, l := range it.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			fields = append(fields, strings.Join(loc, ".")+": "+it.Msg)
		}
		return "Validation failed", fields
	}
	return string(raw), nil
}

func errorFromResponse(op string, status int, body []byte) error {
	var eb errorBody
	msg := strings.TrimSpace(string(body))
	var fields []string
	if err := json.Unmarshal(body, &eb); err == nil {
		if d, f := detailString(eb.Detail); d != "" {
			msg, fields = d, f
		} else if eb.Message != "" {
			msg = eb.Message
		}
		if eb.ValidationReport != nil {
			fields = append(fields, eb.ValidationReport.Errors...)
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &ValidationError{Status: status, Message: msg, Errors: fields}
	}
	return &StatusError{Op: op, Status: status, Detail: msg}
}
