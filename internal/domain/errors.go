package domain

import "errors"

var (
	// ErrLedgerUnavailable is returned when the ledger length read fails and
	// a scan cannot bound its work. An unreachable collection is observably
	// different from an empty one.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrRecordNotFound is returned when no matching record exists for an
	// id or bidder. Distinct from a transient remote failure.
	ErrRecordNotFound = errors.New("record not found")

	// ErrCollectionNotFound is returned when a collection id is unknown to
	// every source
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrMalformedRecord is returned when a ledger record does not decode
	// to the expected shape. A retry cannot fix it.
	ErrMalformedRecord = errors.New("malformed record")
)
