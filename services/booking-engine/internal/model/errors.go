package model

import "errors"

var (
	// ErrNotFound: a referenced slot, appointment or notification is absent.
	ErrNotFound = errors.New("not found")
	// ErrSlotUnavailable: the slot is booked or held by a live claim.
	ErrSlotUnavailable = errors.New("slot unavailable")
	// ErrSlotExpiredOrTaken: the hold expired or the slot changed between
	// hold and commit. A sweep racing the commit surfaces the same way.
	ErrSlotExpiredOrTaken = errors.New("slot hold expired or slot taken")
	// ErrCollision: the external calendar shows a conflicting event at
	// commit time.
	ErrCollision = errors.New("external calendar collision")
	// ErrValidation: malformed or incomplete booking input.
	ErrValidation = errors.New("invalid booking input")
	// ErrRateLimited: the caller's origin exceeded the booking window limit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrVerificationFailed: the human-verification token was rejected.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrUpstream: the external calendar or a delivery channel failed.
	ErrUpstream = errors.New("upstream dependency failed")

	ErrAlreadyCancelled = errors.New("appointment already cancelled")
	ErrAlreadyCompleted = errors.New("appointment already completed")
)
