package ofp4sw

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies mutation failures.
type ErrorKind int

const (
	ValidationError ErrorKind = iota
	ConflictError
	NotFoundError
	ReferentialError
	CapacityError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationError:
		return "validation"
	case ConflictError:
		return "conflict"
	case NotFoundError:
		return "not found"
	case ReferentialError:
		return "referential"
	case CapacityError:
		return "capacity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ofp_error_type
const (
	OFPET_BAD_REQUEST      = 1
	OFPET_BAD_ACTION       = 2
	OFPET_BAD_INSTRUCTION  = 3
	OFPET_BAD_MATCH        = 4
	OFPET_FLOW_MOD_FAILED  = 5
	OFPET_GROUP_MOD_FAILED = 6
	OFPET_PORT_MOD_FAILED  = 7
	OFPET_TABLE_MOD_FAILED = 8
)

const (
	OFPBRC_BAD_PORT = 11
)

const (
	OFPBAC_BAD_TYPE = iota
	OFPBAC_BAD_LEN
	OFPBAC_BAD_EXPERIMENTER
	OFPBAC_BAD_EXP_TYPE
	OFPBAC_BAD_OUT_PORT
	OFPBAC_BAD_ARGUMENT
	OFPBAC_EPERM
	OFPBAC_TOO_MANY
	OFPBAC_BAD_QUEUE
	OFPBAC_BAD_OUT_GROUP
	OFPBAC_MATCH_INCONSISTENT
	OFPBAC_UNSUPPORTED_ORDER
	OFPBAC_BAD_TAG
	OFPBAC_BAD_SET_TYPE
	OFPBAC_BAD_SET_LEN
	OFPBAC_BAD_SET_ARGUMENT
)

const (
	OFPBIC_UNKNOWN_INST = iota
	OFPBIC_UNSUP_INST
	OFPBIC_BAD_TABLE_ID
	OFPBIC_UNSUP_METADATA
	OFPBIC_UNSUP_METADATA_MASK
)

const (
	OFPBMC_BAD_TYPE = iota
	OFPBMC_BAD_LEN
	OFPBMC_BAD_TAG
	OFPBMC_BAD_DL_ADDR_MASK
	OFPBMC_BAD_NW_ADDR_MASK
	OFPBMC_BAD_WILDCARDS
	OFPBMC_BAD_FIELD
	OFPBMC_BAD_VALUE
	OFPBMC_BAD_MASK
	OFPBMC_BAD_PREREQ
	OFPBMC_DUP_FIELD
)

const (
	OFPFMFC_UNKNOWN = iota
	OFPFMFC_TABLE_FULL
	OFPFMFC_BAD_TABLE_ID
	OFPFMFC_OVERLAP
	OFPFMFC_EPERM
	OFPFMFC_BAD_TIMEOUT
	OFPFMFC_BAD_COMMAND
	OFPFMFC_BAD_FLAGS
)

const (
	OFPGMFC_GROUP_EXISTS = iota
	OFPGMFC_INVALID_GROUP
	OFPGMFC_WEIGHT_UNSUPPORTED
	OFPGMFC_OUT_OF_GROUPS
	OFPGMFC_OUT_OF_BUCKETS
	OFPGMFC_CHAINING_UNSUPPORTED
	OFPGMFC_WATCH_UNSUPPORTED
	OFPGMFC_LOOP
	OFPGMFC_UNKNOWN_GROUP
	OFPGMFC_CHAINED_GROUP
	OFPGMFC_BAD_TYPE
	OFPGMFC_BAD_COMMAND
	OFPGMFC_BAD_BUCKET
	OFPGMFC_BAD_WATCH
	OFPGMFC_EPERM
)

const (
	OFPTMFC_BAD_TABLE = iota
	OFPTMFC_BAD_CONFIG
	OFPTMFC_EPERM
)

const (
	OFPPMFC_BAD_PORT = iota
	OFPPMFC_BAD_HW_ADDR
	OFPPMFC_BAD_CONFIG
	OFPPMFC_BAD_ADVERTISE
	OFPPMFC_EPERM
)

// Error is returned by every table, group and port mutation. Type and Code
// carry the openflow error pair so that a control channel can encode it.
type Error struct {
	Kind   ErrorKind
	Type   uint16
	Code   uint16
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v error type=%d code=%d", e.Kind, e.Type, e.Code)
	}
	return fmt.Sprintf("%v error type=%d code=%d: %s", e.Kind, e.Type, e.Code, e.Reason)
}

func newError(kind ErrorKind, ofpet, code uint16, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Type:   ofpet,
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
	}
}

func validationError(ofpet, code uint16, format string, args ...interface{}) *Error {
	return newError(ValidationError, ofpet, code, format, args...)
}

// AsError extracts the *Error from a possibly wrapped error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

func IsValidation(err error) bool  { return isKind(err, ValidationError) }
func IsConflict(err error) bool    { return isKind(err, ConflictError) }
func IsNotFound(err error) bool    { return isKind(err, NotFoundError) }
func IsReferential(err error) bool { return isKind(err, ReferentialError) }
func IsCapacity(err error) bool    { return isKind(err, CapacityError) }
