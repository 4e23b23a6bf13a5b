package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Process exit codes (sysexits.h where one fits).
const (
	ExitSuccess                    = 0
	ExitFailure                    = 1
	ExitInvalidArgument            = 64
	ExitDataError                  = 65
	ExitFileNotFound               = 66
	ExitExternalServiceUnavailable = 69
	ExitInternal                   = 70
	ExitFileWriteError             = 73
	ExitConfigError                = 78
	ExitSignalInt                  = 130
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Message: msg, Err: err}
}

// exitCodeOf maps a command error to an exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitSignalInt
	}
	return ExitFailure
}

// ExitWithCode logs msg and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if err != nil {
		logger.Error(msg, zap.Int("exit_code", code), zap.Error(err))
	} else {
		logger.Error(msg, zap.Int("exit_code", code))
	}
	_ = logger.Sync()
	os.Exit(code)
}
