package models

import "errors"

// Business-rule rejections returned by the session manager. Callers match with errors.Is.
var (
	ErrDeviceOffline        = errors.New("device offline")
	ErrDeviceBusy           = errors.New("device busy")
	ErrAlreadyCompleted     = errors.New("device already completed for this appointment")
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrUnknownDevice        = errors.New("unknown device assignment")
	ErrUnknownSession       = errors.New("unknown session")
	ErrUnknownAppointment   = errors.New("unknown appointment service")
	ErrConfigurationInvalid = errors.New("device configuration invalid")
)

// ErrInvalidSample marks a completion whose telemetry cannot feed statistics.
// It is absorbed by the accumulator and scorer and never reaches the caller of Finish.
var ErrInvalidSample = errors.New("invalid sample")

// ErrDuplicateCompletion is returned when a completion was already applied
var ErrDuplicateCompletion = errors.New("completion already processed")

// ErrUnknownEntity no risk record exists for the requested client or employee
var ErrUnknownEntity = errors.New("unknown entity")
