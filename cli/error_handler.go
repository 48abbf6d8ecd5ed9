package cli

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/grovetools/bithost/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(out io.Writer, verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints a hint matching the error's code and returns err unchanged.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	var hostErr *errors.HostError
	stderrors.As(err, &hostErr)

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "%s configuration not found\n", styles.Error.Render("Error:"))
		fmt.Fprintf(h.Out, "Create bithost.yml, or run 'bithost config schema' to see every option.\n")

	case errors.ErrCodeDaemonRunning:
		fmt.Fprintf(h.Out, "%s bithost is already running (pid %v)\n", styles.Error.Render("Error:"), hostErr.Details["pid"])
		fmt.Fprintf(h.Out, "Run 'bithost stop' first.\n")

	case errors.ErrCodeBitNotFound:
		fmt.Fprintf(h.Out, "%s no bit named '%v'\n", styles.Error.Render("Error:"), hostErr.Details["bit"])
		fmt.Fprintf(h.Out, "Run 'bithost bits' to see the loaded bits.\n")

	case errors.ErrCodeConfigValidation, errors.ErrCodeConfigInvalid:
		fmt.Fprintf(h.Out, "%s invalid configuration: %s\n", styles.Error.Render("Error:"), hostErr.Message)

	default:
		fmt.Fprintf(h.Out, "%s %v\n", styles.Error.Render("Error:"), err)
	}

	if h.Verbose && hostErr != nil {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", hostErr.ToJSON())
	}
	return err
}
