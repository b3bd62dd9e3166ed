package protocol

import "github.com/google/uuid"

// NewRequestID returns a request id unique within the process.
func NewRequestID() string {
	return uuid.NewString()
}

// NewRunID returns a process-unique run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
