package store

import "errors"

var (
	// ErrUnavailable is returned when the bolt file cannot be opened (bad
	// path, permissions, lock held by another process) or is already closed.
	ErrUnavailable = errors.New("store unavailable")

	// ErrIO is returned when a write or commit fails at the bolt layer.
	ErrIO = errors.New("store write failed")

	// ErrSchemaUpgrade is returned when a migration fails or the file was
	// written by a newer schema. The file is left at its previous version.
	ErrSchemaUpgrade = errors.New("schema upgrade failed")

	// ErrAborted is returned by WithTransaction after the body called Abort.
	ErrAborted = errors.New("transaction aborted")

	ErrReadOnly          = errors.New("write in read-only transaction")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrKeyExists         = errors.New("key already exists")
	ErrInvalidKey        = errors.New("invalid key")
)
