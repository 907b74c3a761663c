package bootfat

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseBootfatError string

const rootError = baseBootfatError("")

// The six root conditions every operation reports. Drivers refine them with
// WithMessage and attach device errors with Wrap; errors.Is matches the root
// condition either way.
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrNotFound = rootError.WithMessage("No such file or directory")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrNoSpaceOnDevice = rootError.WithMessage("No space left on device")
var ErrInvalidFileSystem = rootError.WithMessage("Wrong medium type")
var ErrFileSystemCorrupted = rootError.WithMessage("Structure needs cleaning")

var ErrExists = ErrInvalidArgument.WithMessage("File exists")
var ErrFileTooLarge = ErrInvalidArgument.WithMessage("File too large")
var ErrIsADirectory = ErrInvalidArgument.WithMessage("Is a directory")
var ErrNameTooLong = ErrInvalidArgument.WithMessage("File name too long")
var ErrNotADirectory = ErrInvalidArgument.WithMessage("Not a directory")

// ErrDirectoryFull is returned when a directory already spans the maximum
// number of clusters a directory may occupy.
var ErrDirectoryFull = ErrNoSpaceOnDevice.WithMessage("Directory cannot grow further")

func (e baseBootfatError) Error() string {
	return string(e)
}

func (e baseBootfatError) RootCause() DriverError {
	return e
}

func (e baseBootfatError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e baseBootfatError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}
