// Package sanitize turns internal errors into messages safe to return to
// clients. Full errors are logged; clients see only what they can act on.
package sanitize

import (
	"fmt"
	"strings"

	"github.com/HyphaGroup/colloquy/internal/logger"
)

// sensitivePatterns indicate an error may carry credentials or config secrets.
var sensitivePatterns = []string{
	"api_key",
	"api key",
	"apikey",
	"x-api-key",
	"authorization",
	"bearer",
	"token",
	"password",
	"secret",
	"credential",
}

// internalPatterns indicate transport or runtime failures with no useful
// meaning to the client.
var internalPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"no such file",
	"permission denied",
	"tls:",
	"x509",
	"context canceled",
	"eof",
}

// userFacingPatterns are safe to show as-is.
var userFacingPatterns = []string{
	"not found",
	"invalid",
	"required",
	"must be",
	"cannot be",
	"is empty",
	"is not",
	"exceeds",
	"limit",
	"full",
	"closed before",
	"shutting down",
}

// Error returns a client-safe version of err for operation.
func Error(err error, operation string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}
	for _, p := range internalPatterns {
		if strings.Contains(lower, p) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}
	for _, p := range userFacingPatterns {
		if strings.Contains(lower, p) {
			return err
		}
	}

	logger.Error("%s failed: %v", operation, err)
	if len(msg) < 80 {
		return fmt.Errorf("%s failed: %s", operation, msg)
	}
	return fmt.Errorf("%s failed: an unexpected error occurred", operation)
}
