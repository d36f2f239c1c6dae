package cli

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitErrorCarriesCode(t *testing.T) {
	err := exitError(exitInputParse, "parsing %s: bad syntax", "payload.json")
	if err.Code != exitInputParse {
		t.Errorf("code = %d, want %d", err.Code, exitInputParse)
	}
	if err.Error() != "parsing payload.json: bad syntax" {
		t.Errorf("message = %q", err.Error())
	}

	// main recovers the code with errors.As even when the error is wrapped.
	var exitErr *ExitError
	if !errors.As(fmt.Errorf("deploy: %w", err), &exitErr) {
		t.Fatal("ExitError does not unwrap")
	}
	if exitErr.Code != exitInputParse {
		t.Errorf("unwrapped code = %d, want %d", exitErr.Code, exitInputParse)
	}
}
