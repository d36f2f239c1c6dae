package cli

import "fmt"

// Exit codes reported by the petalproc binary. Worker scripts branch on
// these: exitValidation covers rejected programs and bad configuration,
// exitFileNotFound and exitInputParse distinguish a missing artifact from a
// malformed one, and exitRuntime is everything the engine or store refused.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
)

// ExitError carries one of the exit codes above out of a cobra RunE so that
// main can report it through os.Exit once the command unwinds.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError builds an ExitError with a formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
