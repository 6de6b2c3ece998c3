package seal

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dealseal/canonical"
)

// ErrHashUnavailable signals the SHA-256 primitive is missing from the
// runtime. Sealing must abort rather than substitute a weaker digest.
var ErrHashUnavailable = errors.New("seal: sha-256 primitive unavailable")

// TermType tags a term value with its presentation semantics.
type TermType string

const (
	TermText     TermType = "text"
	TermNumber   TermType = "number"
	TermDate     TermType = "date"
	TermCurrency TermType = "currency"
)

func (t TermType) Valid() bool {
	switch t {
	case TermText, TermNumber, TermDate, TermCurrency:
		return true
	default:
		return false
	}
}

// Term is one line item of an agreement. The ordered term list is part of the
// sealed payload, so label, value, and type all contribute to the digest. The
// json tags fix the wire shape used both for jsonb storage and for hashing.
type Term struct {
	Label string   `json:"label"`
	Value string   `json:"value"`
	Type  TermType `json:"type"`
}

// Input is the closed, versioned payload record a seal is computed over.
// Verifications is an extension point; it enters the payload only when set.
type Input struct {
	DealID        string
	Terms         []Term
	SignatureURL  string
	Timestamp     time.Time
	Verifications any
}

// timestampLayout is the single canonical textual form hashed into every
// seal: UTC, millisecond precision, "Z" suffix. Two timestamps denoting the
// same instant normalize identically regardless of their source offset.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// NormalizeTimestamp renders t in the canonical sealed form.
func NormalizeTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts any RFC 3339 textual form, including explicit
// numeric offsets, for later normalization.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("seal: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Compute canonicalizes the payload and returns its lowercase SHA-256 hex
// digest. Identical logical inputs always yield the identical digest.
func Compute(in Input) (string, error) {
	if in.DealID == "" {
		return "", fmt.Errorf("seal: missing deal id")
	}
	for i, term := range in.Terms {
		if !term.Type.Valid() {
			return "", fmt.Errorf("seal: term %d has invalid type %q", i, term.Type)
		}
	}

	payload := map[string]any{
		"dealId":       in.DealID,
		"terms":        termList(in.Terms),
		"signatureUrl": in.SignatureURL,
		"timestamp":    NormalizeTimestamp(in.Timestamp),
	}
	if in.Verifications != nil {
		payload["verifications"] = in.Verifications
	}

	encoded, err := canonical.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("seal: encode payload: %w", err)
	}

	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:]), nil
}

// termList copies terms into the dynamic payload shape so the digest never
// aliases caller-owned state.
func termList(terms []Term) []any {
	out := make([]any, 0, len(terms))
	for _, t := range terms {
		out = append(out, map[string]any{
			"label": t.Label,
			"value": t.Value,
			"type":  string(t.Type),
		})
	}
	return out
}

// CheckHashPrimitive reports whether the digest primitive is linked into the
// binary. Call it at startup; a missing primitive is a deployment defect.
func CheckHashPrimitive() error {
	if !crypto.SHA256.Available() {
		return ErrHashUnavailable
	}
	return nil
}
