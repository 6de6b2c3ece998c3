package deal

import (
	"time"

	"dealseal/seal"
)

// Deal mirrors the deals table. The internal ID never leaves the backend;
// every external lookup goes through the short, URL-safe PublicID.
type Deal struct {
	ID           string
	PublicID     string
	Title        string
	Description  *string
	Terms        []seal.Term
	SignatureURL *string
	Status       Status
	DealSeal     *string
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
	VoidedAt     *time.Time
}

// Sealed reports whether the deal carries a seal. By invariant this is true
// exactly when the status is confirmed.
func (d Deal) Sealed() bool {
	return d.DealSeal != nil
}

// SealTimestamp is the instant verification recomputes the seal against:
// the confirmation time, or the creation time for a pre-confirmation
// snapshot.
func (d Deal) SealTimestamp() time.Time {
	if d.ConfirmedAt != nil {
		return *d.ConfirmedAt
	}
	return d.CreatedAt
}

// CopyTerms returns a deep copy of the term list so sealing and verification
// never alias the caller's mutable state.
func (d Deal) CopyTerms() []seal.Term {
	if d.Terms == nil {
		return nil
	}
	out := make([]seal.Term, len(d.Terms))
	copy(out, d.Terms)
	return out
}
