package audit

import "time"

// EventType is the closed taxonomy of facts the ledger records.
type EventType string

const (
	EventDealCreated   EventType = "deal_created"
	EventDealViewed    EventType = "deal_viewed"
	EventDealSigned    EventType = "deal_signed"
	EventDealConfirmed EventType = "deal_confirmed"
	EventDealVoided    EventType = "deal_voided"
	EventDealVerified  EventType = "deal_verified"
	EventPDFDownloaded EventType = "pdf_downloaded"
	EventEmailSent     EventType = "email_sent"
)

func (e EventType) Valid() bool {
	switch e {
	case EventDealCreated, EventDealViewed, EventDealSigned, EventDealConfirmed,
		EventDealVoided, EventDealVerified, EventPDFDownloaded, EventEmailSent:
		return true
	default:
		return false
	}
}

// ActorType classifies who produced an entry. Unauthenticated recipients
// carry a nil actor id alongside ActorRecipient.
type ActorType string

const (
	ActorCreator   ActorType = "creator"
	ActorRecipient ActorType = "recipient"
	ActorSystem    ActorType = "system"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorCreator, ActorRecipient, ActorSystem:
		return true
	default:
		return false
	}
}

// Entry mirrors one immutable audit_log row. Entries are never updated or
// deleted; a correction is itself a new entry.
type Entry struct {
	ID        int64
	DealID    string
	Event     EventType
	ActorID   *string
	Actor     ActorType
	Metadata  map[string]any
	CreatedAt time.Time
}
