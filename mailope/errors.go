package mailope

import (
	"net/http"
)

// Response bodies. The consumer is the scanner, not a person.
const (
	MsgSaved      = "Message saved"
	MsgMissing    = "Missing required data"
	MsgInvalid    = "Invalid request"
	MsgDatabase   = "Database error. Please try again later"
	MsgUnexpected = "Unexpected error"
)

// Error is a pipeline failure with the response that reports it.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(msg string, err error) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg, Err: err}
}

func databaseError(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: MsgDatabase, Err: err}
}

func unexpectedError(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: MsgUnexpected, Err: err}
}
