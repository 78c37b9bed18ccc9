package plugins

import (
	"errors"
	"fmt"
)

// ErrorKind classifies plugin failures
type ErrorKind string

const (
	KindIntegrity        ErrorKind = "IntegrityError"
	KindCompile          ErrorKind = "CompileError"
	KindInterface        ErrorKind = "InterfaceError"
	KindInstantiation    ErrorKind = "InstantiationError"
	KindResourceExceeded ErrorKind = "ResourceExceeded"
	KindTrap             ErrorKind = "Trap"
	KindOutputDecode     ErrorKind = "OutputDecodeError"
	KindNotFound         ErrorKind = "NotFoundError"
	KindTaskFailure      ErrorKind = "TaskFailure"
	KindSource           ErrorKind = "SourceError"
)

// Resource names the limit a ResourceExceeded error hit
type Resource string

const (
	ResourceFuel    Resource = "Fuel"
	ResourceTimeout Resource = "Timeout"
	ResourceMemory  Resource = "Memory"
)

// Sentinels matched by PluginError.Is
var (
	ErrIntegrity        = errors.New("integrity check failed")
	ErrCompile          = errors.New("compile failed")
	ErrInterface        = errors.New("module interface mismatch")
	ErrInstantiation    = errors.New("instantiation failed")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrTrap             = errors.New("plugin trapped")
	ErrOutputDecode     = errors.New("plugin output invalid")
	ErrNotFound         = errors.New("plugin not found")
	ErrTaskFailure      = errors.New("plugin task failed")
	ErrSource           = errors.New("bytecode source unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindIntegrity:        ErrIntegrity,
	KindCompile:          ErrCompile,
	KindInterface:        ErrInterface,
	KindInstantiation:    ErrInstantiation,
	KindResourceExceeded: ErrResourceExceeded,
	KindTrap:             ErrTrap,
	KindOutputDecode:     ErrOutputDecode,
	KindNotFound:         ErrNotFound,
	KindTaskFailure:      ErrTaskFailure,
	KindSource:           ErrSource,
}

// PluginError is the typed error returned by the loader, executor and orchestrator
type PluginError struct {
	Kind     ErrorKind
	Resource Resource // set for KindResourceExceeded
	Plugin   string
	Message  string
	Err      error
}

// NewError creates a PluginError
func NewError(kind ErrorKind, plugin, message string, err error) *PluginError {
	return &PluginError{Kind: kind, Plugin: plugin, Message: message, Err: err}
}

// NewResourceError creates a ResourceExceeded error for the given resource
func NewResourceError(resource Resource, plugin, message string, err error) *PluginError {
	return &PluginError{Kind: KindResourceExceeded, Resource: resource, Plugin: plugin, Message: message, Err: err}
}

func (e *PluginError) Error() string {
	kind := string(e.Kind)
	if e.Kind == KindResourceExceeded && e.Resource != "" {
		kind = fmt.Sprintf("%s(%s)", e.Kind, e.Resource)
	}

	msg := kind
	if e.Plugin != "" {
		msg = fmt.Sprintf("%s: plugin %s", msg, e.Plugin)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel, so errors.Is(err, ErrNotFound) works through wrapping
func (e *PluginError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of the first PluginError in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// ResourceOf returns the exceeded resource if err is a ResourceExceeded error
func ResourceOf(err error) (Resource, bool) {
	var pe *PluginError
	if errors.As(err, &pe) && pe.Kind == KindResourceExceeded {
		return pe.Resource, true
	}
	return "", false
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
