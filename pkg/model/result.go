package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the top-level status of a result file or comparison entry.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorType classifies a failed test.
type ErrorType string

const (
	// ErrorTypeCmdOut is a remote command that exited with an error.
	ErrorTypeCmdOut ErrorType = "CmdOut"
	// ErrorTypeClan is a failure of the fleet tooling itself.
	ErrorTypeClan ErrorType = "ClanError"
)

// ErrUnknownStatus is returned when decoding a result whose status is
// neither "success" nor "error".
var ErrUnknownStatus = errors.New("unknown result status")

// ErrorDetail describes why a test failed.
type ErrorDetail struct {
	Description string `json:"description"`
	Msg         string `json:"msg"`
	Location    string `json:"location"`
}

// String returns the most specific message available.
func (d ErrorDetail) String() string {
	switch {
	case d.Msg != "" && d.Description != "":
		return d.Description + ": " + d.Msg
	case d.Msg != "":
		return d.Msg
	default:
		return d.Description
	}
}

// Meta holds execution metadata recorded for every test, successful or not.
type Meta struct {
	DurationSeconds                 float64 `json:"duration_seconds"`
	TestAttempts                    int     `json:"test_attempts"`
	VPNRestartAttempts              int     `json:"vpn_restart_attempts"`
	VPNRestartDurationSeconds       float64 `json:"vpn_restart_duration_seconds"`
	ConnectivityWaitDurationSeconds float64 `json:"connectivity_wait_duration_seconds"`
	// ServiceLogs maps a machine name to the VPN service logs collected
	// after a failure.
	ServiceLogs map[string]string `json:"service_logs,omitempty"`
}

// Outcome is the closed set of test outcomes: Success or Failure.
type Outcome interface {
	Status() Status
}

// Success carries the family-specific metric object of a test.
type Success struct {
	Data json.RawMessage
}

// Status implements Outcome.
func (Success) Status() Status { return StatusSuccess }

// Failure carries the classification and detail of a failed test.
type Failure struct {
	Type   ErrorType
	Detail ErrorDetail
}

// Status implements Outcome.
func (Failure) Status() Status { return StatusError }

// TestResult is the content of one result file.
type TestResult struct {
	Outcome Outcome
	Meta    Meta
}

// NewSuccess returns a successful TestResult with data encoded as JSON.
func NewSuccess(data interface{}, meta Meta) (TestResult, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return TestResult{}, err
	}
	return TestResult{Outcome: Success{Data: b}, Meta: meta}, nil
}

// NewFailure returns a failed TestResult.
func NewFailure(kind ErrorType, detail ErrorDetail, meta Meta) TestResult {
	return TestResult{Outcome: Failure{Type: kind, Detail: detail}, Meta: meta}
}

// wireResult is the on-disk representation of a TestResult.
type wireResult struct {
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	ErrorType ErrorType       `json:"error_type,omitempty"`
	Meta      Meta            `json:"meta"`
}

// MarshalJSON implements json.Marshaler.
func (r TestResult) MarshalJSON() ([]byte, error) {
	w := wireResult{Meta: r.Meta}
	switch o := r.Outcome.(type) {
	case Success:
		w.Status = StatusSuccess
		w.Data = o.Data
	case Failure:
		w.Status = StatusError
		w.ErrorType = o.Type
		detail := o.Detail
		w.Error = &detail
	default:
		return nil, fmt.Errorf("cannot marshal outcome %T", r.Outcome)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *TestResult) UnmarshalJSON(b []byte) error {
	var w wireResult
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Status {
	case StatusSuccess:
		r.Outcome = Success{Data: w.Data}
	case StatusError:
		f := Failure{Type: w.ErrorType}
		if w.Error != nil {
			f.Detail = *w.Error
		}
		r.Outcome = f
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, w.Status)
	}
	r.Meta = w.Meta
	return nil
}
