// Package errors provides the standardized error taxonomy of the debug stub
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryTransport  ErrorCategory = "TRANSPORT"
	CategoryProtocol   ErrorCategory = "PROTOCOL"
	CategoryHardware   ErrorCategory = "HARDWARE"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategorySession    ErrorCategory = "SESSION"
)

// Error codes. Two errors are considered the same kind when their codes match.
const (
	CodeTransportTimeout = "TRANSPORT_TIMEOUT"
	CodeNoData           = "NO_DATA"
	CodeBadPacket        = "BAD_PACKET"
	CodeBadFooter        = "BAD_FOOTER"
	CodeMessageTooLong   = "MESSAGE_TOO_LONG"
	CodeBufferTooSmall   = "BUFFER_TOO_SMALL"
	CodeDMAFailure       = "DMA_FAILURE"
	CodeDetached         = "DETACHED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeTableFull        = "TABLE_FULL"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target is a StandardError with the same code, so that
// errors.Is(err, ErrBadFooter) holds for any bad footer error however it was built.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewStandardError creates a new standardized error. Caller names the
// function that called NewStandardError.
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newError(2, category, code, message, context)
}

// newError records the function skip frames above itself as the caller.
// Constructors pass 2 so the failing site is named, not the constructor.
func newError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrTransportTimeout = &StandardError{Category: CategoryTransport, Code: CodeTransportTimeout, Message: "hardware busy wait timed out"}
	ErrNoData           = &StandardError{Category: CategoryTransport, Code: CodeNoData, Message: "no data pending"}
	ErrBadPacket        = &StandardError{Category: CategoryProtocol, Code: CodeBadPacket, Message: "packet delimiters not found"}
	ErrBadFooter        = &StandardError{Category: CategoryTransport, Code: CodeBadFooter, Message: "frame footer mismatch"}
	ErrMessageTooLong   = &StandardError{Category: CategoryValidation, Code: CodeMessageTooLong, Message: "message too long"}
	ErrBufferTooSmall   = &StandardError{Category: CategoryValidation, Code: CodeBufferTooSmall, Message: "buffer too small"}
	ErrDMAFailure       = &StandardError{Category: CategoryHardware, Code: CodeDMAFailure, Message: "dma transfer rejected"}
	ErrDetached         = &StandardError{Category: CategorySession, Code: CodeDetached, Message: "debugger detached"}
	ErrInvalidArgument  = &StandardError{Category: CategoryValidation, Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrTableFull        = &StandardError{Category: CategoryValidation, Code: CodeTableFull, Message: "table full"}
)

// Common error constructors
func TransportTimeout(operation string, spins int) *StandardError {
	return newError(2, CategoryTransport, CodeTransportTimeout,
		fmt.Sprintf("Hardware busy during %s after %d polls", operation, spins),
		map[string]interface{}{"operation": operation, "spins": spins})
}

func BadPacket(details string) *StandardError {
	return newError(2, CategoryProtocol, CodeBadPacket,
		fmt.Sprintf("Malformed packet: %s", details),
		map[string]interface{}{"details": details})
}

func BadFooter(got []byte) *StandardError {
	return newError(2, CategoryTransport, CodeBadFooter,
		fmt.Sprintf("Frame footer mismatch: got %q", got),
		map[string]interface{}{"footer": append([]byte(nil), got...)})
}

func MessageTooLong(length, limit int) *StandardError {
	return newError(2, CategoryValidation, CodeMessageTooLong,
		fmt.Sprintf("Message of %d bytes exceeds limit %d", length, limit),
		map[string]interface{}{"length": length, "limit": limit})
}

func BufferTooSmall(need, have int) *StandardError {
	return newError(2, CategoryValidation, CodeBufferTooSmall,
		fmt.Sprintf("Incoming %d bytes do not fit buffer of %d", need, have),
		map[string]interface{}{"need": need, "have": have})
}

func DMAFailure(direction string, devAddr uint32, cause error) *StandardError {
	ctx := map[string]interface{}{"direction": direction, "dev_addr": devAddr}
	msg := fmt.Sprintf("DMA %s at %#08x rejected", direction, devAddr)
	if cause != nil {
		ctx["cause"] = cause.Error()
		msg += ": " + cause.Error()
	}
	return newError(2, CategoryHardware, CodeDMAFailure, msg, ctx)
}

func InvalidArgument(what string, value interface{}) *StandardError {
	return newError(2, CategoryValidation, CodeInvalidArgument,
		fmt.Sprintf("Invalid %s: %v", what, value),
		map[string]interface{}{"what": what, "value": value})
}

func TableFull(table string, capacity int) *StandardError {
	return newError(2, CategoryValidation, CodeTableFull,
		fmt.Sprintf("%s table full (%d entries)", table, capacity),
		map[string]interface{}{"table": table, "capacity": capacity})
}
