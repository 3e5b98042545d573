package model

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrDataset          = errors.New("dataset error")
	ErrFeatureMismatch  = errors.New("feature mismatch")
	ErrStaleReply       = errors.New("stale reply")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrModelUnavailable = errors.New("classifier model unavailable")
)

// DatasetError reports malformed or missing training data.
type DatasetError struct {
	Path   string
	Line   int
	Column string
	Err    error
}

func (e *DatasetError) Error() string {
	msg := "dataset error"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Column != "" {
		msg += fmt.Sprintf(" (column %s)", e.Column)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DatasetError) Is(target error) bool { return target == ErrDataset }

func (e *DatasetError) Unwrap() error { return e.Err }

// FeatureMismatchError reports a vector whose width differs from the model's.
type FeatureMismatchError struct {
	Expected int
	Got      int
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("feature mismatch: model expects %d features, got %d", e.Expected, e.Got)
}

func (e *FeatureMismatchError) Is(target error) bool { return target == ErrFeatureMismatch }

// StaleReplyError reports a stats reply that cannot be matched to a live request.
type StaleReplyError struct {
	Device DeviceID
	Token  string
	Reason string
}

func (e *StaleReplyError) Error() string {
	return fmt.Sprintf("stale reply from device %s (token %q): %s", e.Device, e.Token, e.Reason)
}

func (e *StaleReplyError) Is(target error) bool { return target == ErrStaleReply }

// InvalidAddressError reports a malformed address field in a flow record.
type InvalidAddressError struct {
	Field string
	Value string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address in %s: %q", e.Field, e.Value)
}

func (e *InvalidAddressError) Is(target error) bool { return target == ErrInvalidAddress }
