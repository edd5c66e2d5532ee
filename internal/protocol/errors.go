package protocol

import "fmt"

// Code is a wire-level error code. Codes are stable strings; clients route
// on them, so they never change meaning.
type Code string

const (
	CodeExtensionNotConnected Code = "EXTENSION_NOT_CONNECTED"
	CodeTabNotFound           Code = "TAB_NOT_FOUND"
	CodeTabAccessDenied       Code = "TAB_ACCESS_DENIED"
	CodeTabLocked             Code = "TAB_LOCKED"
	CodeDebuggerAttachFailed  Code = "DEBUGGER_ATTACH_FAILED"
	CodeCDPError              Code = "CDP_ERROR"
	CodeTimeout               Code = "TIMEOUT"
	CodeMessageTooLarge       Code = "MESSAGE_TOO_LARGE"
	CodeChunkReassembly       Code = "CHUNK_REASSEMBLY_FAILED"
	CodeInvalidParams         Code = "INVALID_PARAMS"
	CodeUnknownTool           Code = "UNKNOWN_TOOL"
	CodeInternal              Code = "INTERNAL_ERROR"

	// CodeSessionExpired is reserved: enumerated on the wire but never
	// raised by this implementation.
	CodeSessionExpired Code = "SESSION_EXPIRED"
)

// WireError is the {code, message} error shape embedded in tool_result
// records. It doubles as a Go error so handlers can return it directly.
type WireError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a WireError with a formatted message.
func Errf(code Code, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from an error, defaulting to INTERNAL_ERROR
// for plain Go errors.
func CodeOf(err error) Code {
	if we, ok := err.(*WireError); ok {
		return we.Code
	}
	return CodeInternal
}
