package sentinel

import "errors"

// Sentinel errors returned by stores and infrastructure clients, optionally
// wrapped. Services translate them into pkg/domain-errors codes.
//
//   - ErrNotFound: no session, authorized client or pending authorization for the key
//   - ErrExpired: the record existed but its lifetime elapsed
//   - ErrAlreadyUsed: a one-shot record (pending authorization) was consumed
//   - ErrInvalidState: the record cannot serve the requested operation
//   - ErrUnavailable: the backing store or IdP cannot be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
