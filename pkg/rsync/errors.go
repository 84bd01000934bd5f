package rsync

import (
	"errors"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
	"github.com/conductorone/baton-rsync/pkg/rsync/wire"
	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

var (
	ErrInvalidConfig      = errors.New("rsync: invalid configuration")
	ErrMissingQuery       = errors.New("rsync: missing query template")
	ErrInvalidQuery       = errors.New("rsync: invalid query template")
	ErrUnsupportedDecoder = errors.New("rsync: unsupported decoder type")
	ErrDuplicateSession   = errors.New("rsync: sync id already registered")
	ErrUnknownSession     = errors.New("rsync: unknown sync id")
	ErrInconsistentRange  = errors.New("rsync: range changed while splitting")
	ErrSink               = errors.New("rsync: sink rejected message")
	ErrClosed             = errors.New("rsync: remote sync is closed")
	ErrInvalidHandle      = errors.New("rsync: invalid handle")
	ErrNilArgument        = errors.New("rsync: nil argument")
)

// Status is the result of a handle-level call. Zero means success.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusConfigError
	StatusParseError
	StatusUnknownSession
	StatusStoreError
	StatusSinkError
	StatusClosed
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusConfigError:
		return "config"
	case StatusParseError:
		return "parse"
	case StatusUnknownSession:
		return "unknown_session"
	case StatusStoreError:
		return "store"
	case StatusSinkError:
		return "sink"
	case StatusClosed:
		return "closed"
	default:
		return "internal"
	}
}

// StatusOf maps an error returned by this package to its failure category.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, ErrNilArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrMissingQuery),
		errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrUnsupportedDecoder),
		errors.Is(err, ErrDuplicateSession):
		return StatusConfigError
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrUnknownKind):
		return StatusParseError
	case errors.Is(err, ErrUnknownSession):
		return StatusUnknownSession
	case errors.Is(err, ErrClosed):
		return StatusClosed
	case errors.Is(err, dbsync.ErrQuery),
		errors.Is(err, dbsync.ErrInvalidQuery),
		errors.Is(err, dbsync.ErrClosed),
		errors.Is(err, keyrange.ErrInvalidKey),
		errors.Is(err, ErrInconsistentRange):
		return StatusStoreError
	case errors.Is(err, ErrSink):
		return StatusSinkError
	default:
		return StatusInternal
	}
}
