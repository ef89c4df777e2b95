package param

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for nil or undersized buffers and outputs
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIO wraps every failure reported by the storage device
	ErrIO = errors.New("device i/o error")
	// ErrCorruption is returned by Load when neither MAIN nor BACKUP is valid
	ErrCorruption = errors.New("no valid parameter block")
	// ErrGeometryMismatch is returned when half an erase block is not the size
	// of the logical block buffer, or the partition cannot hold both copies
	ErrGeometryMismatch = errors.New("device geometry does not fit parameter blocks")
	// ErrSchemaCapacity is returned when a schema enables more entries of a
	// kind than the status has slots for
	ErrSchemaCapacity = errors.New("schema exceeds status capacity")
	// ErrInvalidSchema is returned for malformed schema entries
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrUnknownIdentifier is returned when a name does not resolve to an identifier
	ErrUnknownIdentifier = errors.New("unknown parameter identifier")
)

// Step names the stage of a block write or read that failed.
type Step string

const (
	StepUnlock   Step = "unlock"
	StepPreserve Step = "preserve lower half"
	StepErase    Step = "erase"
	StepRewrite  Step = "rewrite lower half"
	StepProgram  Step = "program upper half"
	StepLock     Step = "lock"
	StepRead     Step = "read upper half"
)

// BlockError reports a device failure while transferring a parameter block.
// It matches both ErrIO and the underlying device error with errors.Is.
type BlockError struct {
	Block BlockOffset
	Step  Step
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s block: %s failed: %v", e.Block, e.Step, e.Err)
}

func (e *BlockError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}
