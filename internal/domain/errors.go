package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateJob       = errors.New("job already running")
	ErrJobAbsent          = errors.New("job not running")
	ErrHardwareMissing    = errors.New("hardware not present")
	ErrCalibrationMissing = errors.New("calibration missing")
	ErrBusUnavailable     = errors.New("bus unavailable")
	ErrBusTimeout         = errors.New("bus fetch timed out")
	ErrResourceBusy       = errors.New("hardware resource busy")
	ErrNoSolution         = errors.New("no solution inside domain")
	ErrSolutionBelow      = errors.New("solution below domain")
	ErrSolutionAbove      = errors.New("solution above domain")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrPluginVersion      = errors.New("plugin version mismatch")
	ErrInternal           = errors.New("internal error")
)
