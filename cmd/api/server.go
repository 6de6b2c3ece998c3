package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"dealseal/audit"
	"dealseal/auth"
	"dealseal/deal"
	"dealseal/seal"
	"dealseal/token"
	"dealseal/verify"
)

type ctxKey string

const (
	ctxKeyActorID ctxKey = "actorID"
	ctxKeyRole    ctxKey = "role"
)

type dealService interface {
	Create(ctx context.Context, params deal.CreateParams) (deal.CreateResult, error)
	GetByPublicID(ctx context.Context, publicID string) (deal.Deal, error)
	UpdateTerms(ctx context.Context, publicID string, terms []seal.Term) (deal.Deal, error)
	Confirm(ctx context.Context, params deal.ConfirmParams) (deal.Deal, error)
	Void(ctx context.Context, params deal.VoidParams) (deal.Deal, error)
	RecordView(ctx context.Context, publicID string, actorID *string, actor audit.ActorType) error
	RecordDownload(ctx context.Context, publicID string, actorID *string, actor audit.ActorType) error
	RecordEmail(ctx context.Context, publicID string, actorID *string, recipient string) error
}

type verifyService interface {
	Verify(ctx context.Context, publicID string) (verify.Result, error)
	History(ctx context.Context, publicID string) ([]audit.Entry, error)
}

type authService interface {
	VerifyActorToken(tokenString string) (string, auth.Role, error)
}

// Server routes the deal lifecycle over HTTP.
type Server struct {
	dealService   dealService
	verifyService verifyService
	authService   authService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/deals", s.handleDeals)
	mux.HandleFunc("/api/deals/", s.handleDealDetail)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.withActor(mux)
}

// withActor resolves an optional Bearer actor token into request context.
// Most deal pages are reachable by unauthenticated recipients, so a missing
// header is fine; a present but invalid one is rejected.
func (s *Server) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}
		actorID, role, err := s.authService.VerifyActorToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid actor token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyActorID, actorID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (*string, auth.Role) {
	id, ok := ctx.Value(ctxKeyActorID).(string)
	if !ok {
		return nil, ""
	}
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return &id, role
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.handleCreateDeal(w, r)
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	actorID, role := actorFromContext(r.Context())
	if actorID == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleCreator {
		writeError(w, http.StatusForbidden, "only creators may open deals")
		return
	}

	var body createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ttl time.Duration
	if body.TokenTTLHours > 0 {
		ttl = time.Duration(body.TokenTTLHours) * time.Hour
	}

	res, err := s.dealService.Create(r.Context(), deal.CreateParams{
		Title:        body.Title,
		Description:  body.Description,
		Terms:        termsFromRequest(body.Terms),
		SignatureURL: body.SignatureURL,
		CreatorID:    *actorID,
		TokenTTL:     ttl,
	})
	if err != nil {
		writeDealError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createDealResponse{
		Deal: toDealResponse(res.Deal),
		Token: tokenResponse{
			Secret:    res.TokenSecret,
			ExpiresAt: res.TokenExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleDealDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/deals/")
	publicID, action, _ := strings.Cut(rest, "/")
	if publicID == "" {
		writeError(w, http.StatusBadRequest, "deal id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetDeal(w, r, publicID)
	case action == "" && r.Method == http.MethodPatch:
		s.handleUpdateTerms(w, r, publicID)
	case action == "confirm" && r.Method == http.MethodPost:
		s.handleConfirm(w, r, publicID)
	case action == "void" && r.Method == http.MethodPost:
		s.handleVoid(w, r, publicID)
	case action == "verify" && r.Method == http.MethodPost:
		s.handleVerify(w, r, publicID)
	case action == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, publicID)
	case action == "download" && r.Method == http.MethodPost:
		s.handleDownload(w, r, publicID)
	case action == "email" && r.Method == http.MethodPost:
		s.handleEmail(w, r, publicID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request, publicID string) {
	d, err := s.dealService.GetByPublicID(r.Context(), publicID)
	if err != nil {
		writeDealError(w, err)
		return
	}

	actorID, role := actorFromContext(r.Context())
	actorType := audit.ActorRecipient
	if role == auth.RoleCreator {
		actorType = audit.ActorCreator
	}
	if err := s.dealService.RecordView(r.Context(), publicID, actorID, actorType); err != nil {
		log.Printf("record view for deal %s: %v", publicID, err)
	}

	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleUpdateTerms(w http.ResponseWriter, r *http.Request, publicID string) {
	actorID, role := actorFromContext(r.Context())
	if actorID == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleCreator {
		writeError(w, http.StatusForbidden, "only the creator may edit terms")
		return
	}

	var body updateTermsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.dealService.UpdateTerms(r.Context(), publicID, termsFromRequest(body.Terms))
	if err != nil {
		writeDealError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, publicID string) {
	var body confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actorID, _ := actorFromContext(r.Context())
	d, err := s.dealService.Confirm(r.Context(), deal.ConfirmParams{
		PublicID:     publicID,
		Secret:       body.Secret,
		SignatureURL: body.SignatureURL,
		ActorID:      actorID,
	})
	if err != nil {
		writeDealError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request, publicID string) {
	actorID, role := actorFromContext(r.Context())
	if actorID == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleCreator {
		writeError(w, http.StatusForbidden, "only the creator may void a deal")
		return
	}

	var body voidRequest
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	d, err := s.dealService.Void(r.Context(), deal.VoidParams{
		PublicID: publicID,
		ActorID:  *actorID,
		Reason:   body.Reason,
	})
	if err != nil {
		writeDealError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, publicID string) {
	res, err := s.verifyService.Verify(r.Context(), publicID)
	if err != nil {
		writeDealError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		State:     string(res.State),
		Digest:    res.Digest,
		CheckedAt: res.CheckedAt.Format(time.RFC3339),
		Deal:      toDealResponse(res.Deal),
		History:   toHistoryResponse(res.History),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, publicID string) {
	history, err := s.verifyService.History(r.Context(), publicID)
	if err != nil {
		writeDealError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: toHistoryResponse(history)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, publicID string) {
	actorID, role := actorFromContext(r.Context())
	actorType := audit.ActorRecipient
	if role == auth.RoleCreator {
		actorType = audit.ActorCreator
	}
	if err := s.dealService.RecordDownload(r.Context(), publicID, actorID, actorType); err != nil {
		writeDealError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request, publicID string) {
	actorID, role := actorFromContext(r.Context())
	if actorID == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleCreator {
		writeError(w, http.StatusForbidden, "only the creator may send the deal")
		return
	}

	var body emailRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient required")
		return
	}

	if err := s.dealService.RecordEmail(r.Context(), publicID, actorID, body.Recipient); err != nil {
		writeDealError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDealError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deal.ErrNotFound):
		writeError(w, http.StatusNotFound, "deal not found")
	case errors.Is(err, deal.ErrAlreadySealed):
		writeError(w, http.StatusConflict, "deal is already sealed")
	case errors.Is(err, deal.ErrVoided):
		writeError(w, http.StatusConflict, "deal is voided")
	case errors.Is(err, deal.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "deal is not in a state that allows this")
	case errors.Is(err, token.ErrExpired):
		writeError(w, http.StatusGone, "access token expired")
	case errors.Is(err, token.ErrAlreadyUsed):
		writeError(w, http.StatusConflict, "access token already used")
	case token.IsInvalid(err):
		writeError(w, http.StatusUnauthorized, "invalid access token")
	case strings.HasPrefix(err.Error(), "deal: "):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "deal: "))
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
