package server

import (
	"fmt"
	"net/http"
)

// Fulfilment steps, used as log fields, metric labels and audit values.
const (
	stepQueue     = "queue"
	stepMultipart = "multipart"
	stepRead      = "read_upload"
	stepWorkDir   = "workdir"
	stepSave      = "save_upload"
	stepDownload  = "download"
	stepRemoveDRM = "remove_drm"
	stepReadBook  = "read_book"
)

// fulfilmentError is a failed step of POST /dl. Message is what the client
// sees; Err is only logged.
type fulfilmentError struct {
	Status  int
	Message string
	Step    string
	Err     error
}

func (e *fulfilmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Err)
}

func (e *fulfilmentError) Unwrap() error { return e.Err }

func badRequest(step, msg string, err error) *fulfilmentError {
	return &fulfilmentError{Status: http.StatusBadRequest, Message: msg, Step: step, Err: err}
}

func internalError(step, msg string, err error) *fulfilmentError {
	return &fulfilmentError{Status: http.StatusInternalServerError, Message: msg, Step: step, Err: err}
}
