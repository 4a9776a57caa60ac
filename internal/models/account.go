package models

import "time"

// CreditAccount is the per-user balance document, keyed by email.
// Created lazily on first access, mutated only by the credit service,
// never deleted.
type CreditAccount struct {
	Email             string     `json:"email"`
	Credits           int        `json:"credits"`
	Held              int        `json:"held"`
	FreeCount         int        `json:"free_count"`
	LastPaymentID     *string    `json:"last_payment_id,omitempty"`
	PasswordHash      *string    `json:"-"`
	PasswordSalt      *string    `json:"-"`
	ResetTokenHash    *string    `json:"-"`
	ResetTokenSalt    *string    `json:"-"`
	ResetTokenExpires *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Available returns the spendable balance: credits minus held.
// Invariant after every committed write: 0 <= held <= credits.
func (a *CreditAccount) Available() int {
	return a.Credits - a.Held
}

// HasCredential reports whether a password has been enrolled.
func (a *CreditAccount) HasCredential() bool {
	return a.PasswordHash != nil && a.PasswordSalt != nil
}
