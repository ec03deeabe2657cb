package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sufield/devicefleet/internal/domain"
)

// Exit codes.
const (
	ExitGeneral       = 1
	ExitNotAuthed     = 2
	ExitUnauthorized  = 3
	ExitConflict      = 4
	ExitConnectivity  = 5
	ExitNotFound      = 6
	ExitUsage         = 64
	ExitEffectUnknown = 75
)

type cliUsageError struct{ msg string }

func (e *cliUsageError) Error() string { return e.msg }

func usageError(format string, args ...any) error {
	return &cliUsageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var usage *cliUsageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usage), errors.Is(err, domain.ErrValidation):
		return ExitUsage
	case errors.Is(err, domain.ErrCredential), errors.Is(err, domain.ErrChallenge),
		errors.Is(err, domain.ErrNotAuthenticated):
		return ExitNotAuthed
	case errors.Is(err, domain.ErrUnauthorized):
		return ExitUnauthorized
	case errors.Is(err, domain.ErrConflict):
		return ExitConflict
	case errors.Is(err, domain.ErrDeviceNotFound):
		return ExitNotFound
	case domain.EffectUnknown(err):
		return ExitEffectUnknown
	case errors.Is(err, domain.ErrConnectivity), errors.Is(err, domain.ErrGroupsUnresolved):
		return ExitConnectivity
	default:
		return ExitGeneral
	}
}

func (c *cli) printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", errFmt("Error:"), err)
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		fmt.Fprintln(w, dimFmt("Run 'fleetctl login <username>' to sign in."))
	case domain.EffectUnknown(err):
		fmt.Fprintln(w, warnFmt("The request may have been applied. Check with 'fleetctl device describe' before retrying."))
	case domain.Retryable(err):
		fmt.Fprintln(w, dimFmt("Nothing was changed; it is safe to retry."))
	}
}
