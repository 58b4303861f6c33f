package settings

import "errors"

var (
	ErrEmptySSID         = errors.New("ssid must not be empty")
	ErrSSIDTooLong       = errors.New("ssid longer than 32 bytes")
	ErrPasswordTooShort  = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong   = errors.New("password longer than 63 characters")
	ErrUnknownTimezone   = errors.New("unsupported timezone")
	ErrUnknownTheme      = errors.New("unknown theme")
	ErrBrightnessRange   = errors.New("brightness must be between 0 and 7")
	ErrInvalidHourFormat = errors.New("hour format must be 0 (12h) or 1 (24h)")

	// ErrStorage wraps failures of the durable store. The mutation did not
	// happen and the previously committed state is intact.
	ErrStorage = errors.New("settings storage")
)

// ValidationError is a rejected user input. No state was changed.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
