package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrShuttingDown = fmt.Errorf("shutting down")
)

// Sentinel errors for the domain layer.
var (
	ErrNoActiveSession = fmt.Errorf("no active session")
	ErrDeliveryFailed  = fmt.Errorf("delivery failed")
	ErrDirectoryLookup = fmt.Errorf("directory lookup failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrTaskFailed      = fmt.Errorf("task execution failed")
	ErrTaskPanicked    = fmt.Errorf("task panicked")
	ErrCircuitOpen     = fmt.Errorf("delivery circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Batcher.Flush")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "tmux", "scheduler")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeDisabled        ErrorCode = "DISABLED"
	CodeShuttingDown    ErrorCode = "SHUTTING_DOWN"
	CodeNoActiveSession ErrorCode = "NO_ACTIVE_SESSION"
	CodeDeliveryFailed  ErrorCode = "DELIVERY_FAILED"
	CodeDirectoryLookup ErrorCode = "DIRECTORY_LOOKUP"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeTaskFailed      ErrorCode = "TASK_FAILED"
	CodeTaskPanicked    ErrorCode = "TASK_PANICKED"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	CodeProjectNotFound ErrorCode = "PROJECT_NOT_FOUND"
	CodeTmuxTimeout     ErrorCode = "TMUX_TIMEOUT"
	CodeTaskTimeout     ErrorCode = "TASK_TIMEOUT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrTimeout:         CodeTimeout,
	ErrInvalidInput:    CodeInvalidInput,
	ErrDisabled:        CodeDisabled,
	ErrShuttingDown:    CodeShuttingDown,
	ErrNoActiveSession: CodeNoActiveSession,
	ErrDeliveryFailed:  CodeDeliveryFailed,
	ErrDirectoryLookup: CodeDirectoryLookup,
	ErrConfigLoad:      CodeConfigLoad,
	ErrTaskFailed:      CodeTaskFailed,
	ErrTaskPanicked:    CodeTaskPanicked,
	ErrCircuitOpen:     CodeCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":   CodeAgentNotFound,
		"project": CodeProjectNotFound,
	},
	ErrTimeout: {
		"tmux":      CodeTmuxTimeout,
		"scheduler": CodeTaskTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, the subsystem-specific mapping wins.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
