package services

import "example.com/chaintrace/services/events/internal/epcis"

// Numbered error codes for failures past validation. Validation codes live
// in the epcis package; together they form the policy-error family returned
// with a 400 response.
const (
	CodeRedactionFailure   = 1104
	CodePersistenceFailure = 1200
	CodeIndexFailure       = 1201
	CodePublishFailure     = 1202
)

// SubmissionError is a numbered, sanitized rejection of a submission. It is
// never retried automatically; the caller must fix and resubmit.
type SubmissionError struct {
	Code    int
	Message string
}

func (e *SubmissionError) Error() string {
	return e.Message
}

func fromValidation(err *epcis.ValidationError) *SubmissionError {
	return &SubmissionError{Code: err.Code, Message: err.Message}
}

func submissionError(code int, message string) *SubmissionError {
	return &SubmissionError{Code: code, Message: epcis.CollapseWhitespace(message)}
}
