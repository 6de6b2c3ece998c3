package main

import (
	"time"

	"dealseal/audit"
	"dealseal/deal"
	"dealseal/seal"
)

type termPayload struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

type createDealRequest struct {
	Title         string        `json:"title"`
	Description   *string       `json:"description,omitempty"`
	Terms         []termPayload `json:"terms"`
	SignatureURL  *string       `json:"signatureUrl,omitempty"`
	TokenTTLHours int           `json:"tokenTtlHours,omitempty"`
}

type updateTermsRequest struct {
	Terms []termPayload `json:"terms"`
}

type confirmRequest struct {
	Secret       string  `json:"secret"`
	SignatureURL *string `json:"signatureUrl,omitempty"`
}

type voidRequest struct {
	Reason string `json:"reason,omitempty"`
}

type emailRequest struct {
	Recipient string `json:"recipient"`
}

type tokenResponse struct {
	Secret    string `json:"secret"`
	ExpiresAt string `json:"expiresAt"`
}

type dealResponse struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  *string       `json:"description,omitempty"`
	Terms        []termPayload `json:"terms"`
	SignatureURL *string       `json:"signatureUrl,omitempty"`
	Status       string        `json:"status"`
	Seal         *string       `json:"seal,omitempty"`
	CreatedAt    string        `json:"createdAt"`
	ConfirmedAt  *string       `json:"confirmedAt,omitempty"`
	VoidedAt     *string       `json:"voidedAt,omitempty"`
}

type createDealResponse struct {
	Deal  dealResponse  `json:"deal"`
	Token tokenResponse `json:"token"`
}

type auditEntryResponse struct {
	Event     string         `json:"event"`
	ActorType string         `json:"actorType"`
	ActorID   *string        `json:"actorId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type historyResponse struct {
	Items []auditEntryResponse `json:"items"`
}

type verifyResponse struct {
	State     string               `json:"state"`
	Digest    string               `json:"digest,omitempty"`
	CheckedAt string               `json:"checkedAt"`
	Deal      dealResponse         `json:"deal"`
	History   []auditEntryResponse `json:"history"`
}

func termsFromRequest(terms []termPayload) []seal.Term {
	out := make([]seal.Term, len(terms))
	for i, t := range terms {
		out[i] = seal.Term{Label: t.Label, Value: t.Value, Type: seal.TermType(t.Type)}
	}
	return out
}

func toDealResponse(d deal.Deal) dealResponse {
	terms := make([]termPayload, len(d.Terms))
	for i, t := range d.Terms {
		terms[i] = termPayload{Label: t.Label, Value: t.Value, Type: string(t.Type)}
	}
	resp := dealResponse{
		ID:           d.PublicID,
		Title:        d.Title,
		Description:  d.Description,
		Terms:        terms,
		SignatureURL: d.SignatureURL,
		Status:       string(d.Status),
		Seal:         d.DealSeal,
		CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.ConfirmedAt != nil {
		s := d.ConfirmedAt.UTC().Format(time.RFC3339)
		resp.ConfirmedAt = &s
	}
	if d.VoidedAt != nil {
		s := d.VoidedAt.UTC().Format(time.RFC3339)
		resp.VoidedAt = &s
	}
	return resp
}

func toHistoryResponse(entries []audit.Entry) []auditEntryResponse {
	out := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResponse{
			Event:     string(e.Event),
			ActorType: string(e.Actor),
			ActorID:   e.ActorID,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}
