package store

import "errors"

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotEnded           = errors.New("slot has ended")
	ErrSlotFull            = errors.New("slot is full")
	ErrSessionStarted      = errors.New("serving session already started")
	ErrNoWaiting           = errors.New("no waiting appointments")
	ErrAlreadyServing      = errors.New("another appointment is being served")
	ErrOutOfOrder          = errors.New("token out of serving order")
	ErrInvalidState        = errors.New("invalid appointment state")
	ErrCancelWindow        = errors.New("cancellation window has passed")
	ErrDependencyMissing   = errors.New("required dependency lookup failed")
)
