package service

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrAccountImmutable     = errors.New("account channel and provider are fixed once transactions exist")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrEventNotFound        = errors.New("expected event not found")
	ErrEventAccountMismatch = errors.New("expected event belongs to another account")
	ErrEventAlreadyMatched  = errors.New("expected event already matched")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrReasonRequired       = errors.New("reason required")
	ErrActiveMatchExists    = errors.New("transaction already has an active match")
	ErrNoActiveMatch        = errors.New("transaction has no active match")
	ErrPassInProgress       = errors.New("matching pass already running for account")
	ErrInvalidRule          = errors.New("invalid match rule")
	ErrInvalidEvent         = errors.New("invalid expected event")
	ErrFormatChannel        = errors.New("statement format does not fit the account channel")
)
