package mssql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("sbqueue mssql: db is required")
	// ErrTxRequired is returned when SendTx is called with a nil transaction.
	ErrTxRequired = errors.New("sbqueue mssql: transaction is required")
	// ErrNameRequired is returned when a Service Broker object name is empty.
	ErrNameRequired = errors.New("sbqueue mssql: object name is required")
	// ErrInvalidName is returned when an object name has disallowed characters.
	ErrInvalidName = errors.New("sbqueue mssql: invalid object name")
	// ErrInvalidTimeout is returned when the receive timeout is negative.
	ErrInvalidTimeout = errors.New("sbqueue mssql: receive timeout must be non-negative")
)
