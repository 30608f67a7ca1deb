// Package process provides binary entrypoint helpers for the canvault
// commands. It centralizes the one legitimate raw-stderr pattern:
// reporting a fatal error from main() before or after the structured
// logger exists.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
