package ephem

import "errors"

// Construction failures. Query-time failures are never surfaced as errors;
// they degrade to the last cached orientation.
var (
	ErrEngineUnavailable = errors.New("scripting engine unavailable")
	ErrMissingParams     = errors.New("rotation parameters missing")
	ErrModuleLoad        = errors.New("module load failed")
	ErrFunctionNotFound  = errors.New("factory function not found")
	ErrFactoryCall       = errors.New("factory call failed")
	ErrInvalidReturn     = errors.New("factory did not return a table")
	ErrInvalidRange      = errors.New("valid range end precedes begin")
)
