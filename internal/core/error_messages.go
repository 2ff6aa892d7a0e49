package core

// error_messages.go maps technical errors to user-facing messages with a
// support code. Callers in the web layer log the technical error and show
// the mapped message.
//
// Code ranges:
//
//	DB001-DB099   database errors (constraints, connectivity, timeouts)
//	VAL001-VAL099 header and data validation
//	FILE001-FILE099 file size, encoding, emptiness, row ceiling
//	IMP001-IMP099 import session lifecycle (running, busy, cancelled, timeout)
//	ERR000        fallback; check logs for the technical error
//
// Resolution order: typed errors from this package first, then PostgreSQL
// SQLSTATE codes carried by *pgconn.PgError, then substring patterns.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var validationMessages = map[string]UserMessage{
	CodeFileTooLarge:        {Message: "File exceeds the maximum size limit", Action: "Split the file into smaller files", Code: CodeFileTooLarge},
	CodeUnreadable:          {Message: "File could not be read", Action: "Check that the file exists and is a delimited text file", Code: CodeUnreadable},
	CodeEncoding:            {Message: "File contains invalid characters", Action: "Save the file as UTF-8 or select the matching encoding", Code: CodeEncoding},
	CodeEmptyFile:           {Message: "The file is empty", Action: "Provide a file with a header row and data rows", Code: CodeEmptyFile},
	CodeTooManyRows:         {Message: "File has more rows than allowed", Action: "Split the file into smaller files", Code: CodeTooManyRows},
	CodeMissingColumn:       {Message: "Required column is missing from the file", Action: "Check that NOM and PRENOMS columns are present", Code: CodeMissingColumn},
	CodeUnsupportedEncoding: {Message: "Unsupported file encoding", Action: "Use utf-8 or windows-1252", Code: CodeUnsupportedEncoding},
}

var (
	msgAlreadyRunning = UserMessage{Message: "An import is already running", Action: "Wait for it to finish or cancel it", Code: "IMP001"}
	msgTooMany        = UserMessage{Message: "System is busy processing other imports", Action: "Please wait a moment and try again", Code: "IMP002"}
	msgNotFound       = UserMessage{Message: "Import session not found", Action: "The import may have expired. Start a new import", Code: "IMP003"}
	msgBatchTimeout   = UserMessage{Message: "A batch took too long to write", Action: "Retry with a smaller batch size", Code: "IMP004"}
	msgCancelled      = UserMessage{Message: "Import was cancelled", Action: "Start a new import when ready", Code: "IMP005"}
)

// sqlStateMessages maps PostgreSQL SQLSTATE codes.
var sqlStateMessages = map[string]UserMessage{
	"23505": {Message: "A record with this key already exists", Action: "Review the file for duplicate people", Code: "DB001"},
	"23502": {Message: "A required value is missing", Action: "Ensure NOM and PRENOMS are filled", Code: "DB002"},
	"23503": {Message: "Referenced record does not exist", Action: "Ensure parent records exist first", Code: "DB003"},
	"57014": {Message: "Operation timed out", Action: "Retry with a smaller batch size", Code: "DB006"},
	"40P01": {Message: "Database was busy with conflicting operations", Action: "Please try again", Code: "DB007"},
	"21000": {Message: "The same person appears twice in one write", Action: "Enable deduplication or clean the file", Code: "DB008"},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively; first match wins, so specific
// patterns come before general ones.
var errorPatterns = []errorPattern{
	{"duplicate key", sqlStateMessages["23505"]},
	{"connection refused", UserMessage{Message: "Unable to connect to database", Action: "Please try again in a few moments", Code: "DB004"}},
	{"connection reset", UserMessage{Message: "Database connection was interrupted", Action: "Please try again", Code: "DB005"}},
	{"deadlock", sqlStateMessages["40P01"]},
	{"timeout", sqlStateMessages["57014"]},
	{"no such file", validationMessages[CodeUnreadable]},
	{"permission denied", validationMessages[CodeUnreadable]},
	{"rate limit", UserMessage{Message: "Too many requests", Action: "Please wait a moment before trying again", Code: "RATE001"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Returns the zero UserMessage for a nil error.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		if msg, ok := validationMessages[verr.Code]; ok {
			return msg
		}
	}

	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return msgAlreadyRunning
	case errors.Is(err, ErrTooManyImports):
		return msgTooMany
	case errors.Is(err, ErrImportNotFound):
		return msgNotFound
	case errors.Is(err, ErrBatchTimeout):
		return msgBatchTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return msgCancelled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if msg, ok := sqlStateMessages[pgErr.Code]; ok {
			return msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action" for display.
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
