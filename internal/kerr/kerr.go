// Package kerr holds the sentinel errors shared across the kernel core.
//
// Every fallible core operation returns one of these, wrapped with
// fmt.Errorf("...: %w",...) at the call site so callers can still
// errors.Is against the taxonomy from
package kerr

import "errors"

// Argument errors.
var (
	ErrNullPointer = errors.New("null pointer")
	ErrOutOfBound = errors.New("out of bound")
	ErrAlignment = errors.New("alignment")
	ErrIncorrectValue = errors.New("incorrect value")
)

// Resource errors.
var (
	ErrNoMoreFreeMemory = errors.New("no more free memory")
	ErrMalloc = errors.New("malloc failed")
	ErrNoSuchID = errors.New("no such id")
	ErrResourceDestroyed = errors.New("resource destroyed")
)

// State errors.
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrNotSupported = errors.New("not supported")
	ErrUnauthorizedAction = errors.New("unauthorized action")
	ErrHandlerAlreadyExists = errors.New("handler already exists")
	ErrMappingAlreadyExists = errors.New("mapping already exists")
	ErrMemoryNotMapped = errors.New("memory not mapped")
	ErrInterruptAlreadyRegistered = errors.New("interrupt already registered")
	ErrInterruptNotRegistered = errors.New("interrupt not registered")
	ErrNoSuchIRQ = errors.New("no such irq")
	ErrUnauthorizedInterruptLine = errors.New("unauthorized interrupt line")
	ErrForbiddenPriority = errors.New("forbidden priority")
)

// Data errors.
var (
	ErrWrongSignature = errors.New("wrong signature")
	ErrChecksumFailed = errors.New("checksum failed")
	ErrNameTooLong = errors.New("name too long")
)

// Sync errors.
var (
	ErrMutexUninitialized = errors.New("mutex uninitialized")
	ErrSemUninitialized = errors.New("semaphore uninitialized")
	ErrNoMutexBlocked = errors.New("no thread blocked on mutex")
	ErrNoSemBlocked = errors.New("no thread blocked on semaphore")
	ErrWouldBlock = errors.New("would block")
)

// Syscall errors.
var (
	ErrSyscallUnknown = errors.New("syscall unknown")
)
