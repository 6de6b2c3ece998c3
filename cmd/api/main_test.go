package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dealseal/audit"
	"dealseal/auth"
	"dealseal/deal"
	"dealseal/seal"
	"dealseal/token"
	"dealseal/verify"
)

type stubDealService struct {
	createResult deal.CreateResult
	createErr    error
	getDeal      deal.Deal
	getErr       error
	updateDeal   deal.Deal
	updateErr    error
	confirmDeal  deal.Deal
	confirmErr   error
	voidDeal     deal.Deal
	voidErr      error
	viewCalls    int
	emailErr     error
}

func (s *stubDealService) Create(_ context.Context, _ deal.CreateParams) (deal.CreateResult, error) {
	return s.createResult, s.createErr
}

func (s *stubDealService) GetByPublicID(_ context.Context, _ string) (deal.Deal, error) {
	return s.getDeal, s.getErr
}

func (s *stubDealService) UpdateTerms(_ context.Context, _ string, _ []seal.Term) (deal.Deal, error) {
	return s.updateDeal, s.updateErr
}

func (s *stubDealService) Confirm(_ context.Context, _ deal.ConfirmParams) (deal.Deal, error) {
	return s.confirmDeal, s.confirmErr
}

func (s *stubDealService) Void(_ context.Context, _ deal.VoidParams) (deal.Deal, error) {
	return s.voidDeal, s.voidErr
}

func (s *stubDealService) RecordView(_ context.Context, _ string, _ *string, _ audit.ActorType) error {
	s.viewCalls++
	return nil
}

func (s *stubDealService) RecordDownload(_ context.Context, _ string, _ *string, _ audit.ActorType) error {
	return nil
}

func (s *stubDealService) RecordEmail(_ context.Context, _ string, _ *string, _ string) error {
	return s.emailErr
}

type stubVerifyService struct {
	result     verify.Result
	verifyErr  error
	history    []audit.Entry
	historyErr error
}

func (s *stubVerifyService) Verify(_ context.Context, _ string) (verify.Result, error) {
	return s.result, s.verifyErr
}

func (s *stubVerifyService) History(_ context.Context, _ string) ([]audit.Entry, error) {
	return s.history, s.historyErr
}

func asCreator(req *http.Request) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyActorID, "creator-1")
	ctx = context.WithValue(ctx, ctxKeyRole, auth.RoleCreator)
	return req.WithContext(ctx)
}

func pendingDeal() deal.Deal {
	return deal.Deal{
		ID:        "deal-1",
		PublicID:  "pub-1",
		Title:     "Lease",
		Terms:     []seal.Term{{Label: "Amount", Value: "100", Type: seal.TermCurrency}},
		Status:    deal.StatusPending,
		CreatedAt: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandleCreateDeal_Success(t *testing.T) {
	expires := time.Date(2024, 5, 17, 9, 0, 0, 0, time.UTC)
	server := &Server{
		dealService: &stubDealService{
			createResult: deal.CreateResult{
				Deal:           pendingDeal(),
				TokenSecret:    "tok-1.secret",
				TokenExpiresAt: expires,
			},
		},
	}

	body := strings.NewReader(`{"title":"Lease","terms":[{"label":"Amount","value":"100","type":"currency"}]}`)
	req := asCreator(httptest.NewRequest(http.MethodPost, "/api/deals", body))
	rec := httptest.NewRecorder()

	server.handleDeals(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp createDealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Deal.ID != "pub-1" || resp.Deal.Status != "pending" {
		t.Fatalf("unexpected deal payload: %+v", resp.Deal)
	}
	if resp.Token.Secret != "tok-1.secret" {
		t.Fatalf("expected token secret in response, got %+v", resp.Token)
	}
	if resp.Token.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("expected expiresAt %s, got %s", expires.Format(time.RFC3339), resp.Token.ExpiresAt)
	}
}

func TestHandleCreateDeal_RequiresCreatorRole(t *testing.T) {
	server := &Server{dealService: &stubDealService{}}

	body := strings.NewReader(`{"title":"Lease"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals", body)
	ctx := context.WithValue(req.Context(), ctxKeyActorID, "recipient-1")
	ctx = context.WithValue(ctx, ctxKeyRole, auth.RoleRecipient)
	rec := httptest.NewRecorder()

	server.handleDeals(rec, req.WithContext(ctx))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreateDeal_Unauthenticated(t *testing.T) {
	server := &Server{dealService: &stubDealService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/deals", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleDeals(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGetDeal_RecordsView(t *testing.T) {
	svc := &stubDealService{getDeal: pendingDeal()}
	server := &Server{dealService: svc}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/pub-1", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.viewCalls != 1 {
		t.Fatalf("expected one recorded view, got %d", svc.viewCalls)
	}

	var resp dealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "pub-1" || len(resp.Terms) != 1 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleGetDeal_NotFound(t *testing.T) {
	server := &Server{dealService: &stubDealService{getErr: deal.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/missing", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleConfirm_Success(t *testing.T) {
	confirmedAt := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)
	digest := "abc123"
	d := pendingDeal()
	d.Status = deal.StatusConfirmed
	d.DealSeal = &digest
	d.ConfirmedAt = &confirmedAt

	server := &Server{dealService: &stubDealService{confirmDeal: d}}

	body := strings.NewReader(`{"secret":"tok-1.secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/confirm", body)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp dealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "confirmed" || resp.Seal == nil || *resp.Seal != digest {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.ConfirmedAt == nil || *resp.ConfirmedAt != confirmedAt.Format(time.RFC3339) {
		t.Fatalf("expected confirmedAt in payload, got %+v", resp.ConfirmedAt)
	}
}

func TestHandleConfirm_UsedToken(t *testing.T) {
	server := &Server{dealService: &stubDealService{confirmErr: token.ErrAlreadyUsed}}

	req := httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/confirm", strings.NewReader(`{"secret":"x"}`))
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleConfirm_ExpiredToken(t *testing.T) {
	server := &Server{dealService: &stubDealService{confirmErr: token.ErrExpired}}

	req := httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/confirm", strings.NewReader(`{"secret":"x"}`))
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestHandleConfirm_BadSecret(t *testing.T) {
	server := &Server{dealService: &stubDealService{confirmErr: token.ErrNotFound}}

	req := httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/confirm", strings.NewReader(`{"secret":"x"}`))
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleVoid_Success(t *testing.T) {
	voidedAt := time.Date(2024, 5, 11, 9, 0, 0, 0, time.UTC)
	d := pendingDeal()
	d.Status = deal.StatusVoided
	d.VoidedAt = &voidedAt

	server := &Server{dealService: &stubDealService{voidDeal: d}}

	req := asCreator(httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/void", strings.NewReader(`{"reason":"typo"}`)))
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleVoid_AlreadySealed(t *testing.T) {
	server := &Server{dealService: &stubDealService{voidErr: deal.ErrAlreadySealed}}

	req := asCreator(httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/void", strings.NewReader(`{}`)))
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleVerify_Valid(t *testing.T) {
	digest := "abc123"
	d := pendingDeal()
	d.Status = deal.StatusConfirmed
	d.DealSeal = &digest

	server := &Server{verifyService: &stubVerifyService{
		result: verify.Result{
			State:     verify.StateValid,
			Digest:    digest,
			Deal:      d,
			CheckedAt: time.Date(2024, 5, 12, 9, 0, 0, 0, time.UTC),
			History: []audit.Entry{
				{ID: 1, DealID: "deal-1", Event: audit.EventDealVerified, Actor: audit.ActorSystem},
			},
		},
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/deals/pub-1/verify", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "valid" || resp.Digest != digest {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if len(resp.History) != 1 || resp.History[0].Event != "deal_verified" {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}

func TestHandleHistory_Success(t *testing.T) {
	server := &Server{verifyService: &stubVerifyService{
		history: []audit.Entry{
			{ID: 1, DealID: "deal-1", Event: audit.EventDealCreated, Actor: audit.ActorCreator},
			{ID: 2, DealID: "deal-1", Event: audit.EventDealViewed, Actor: audit.ActorRecipient},
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/pub-1/history", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Event != "deal_created" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleDealDetail_InvalidPath(t *testing.T) {
	server := &Server{dealService: &stubDealService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDealDetail_WrongMethod(t *testing.T) {
	server := &Server{dealService: &stubDealService{}}

	req := httptest.NewRequest(http.MethodDelete, "/api/deals/pub-1", nil)
	rec := httptest.NewRecorder()

	server.handleDealDetail(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWithActor_InvalidToken(t *testing.T) {
	server := &Server{
		dealService: &stubDealService{getDeal: pendingDeal()},
		authService: auth.NewService("test-secret"),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/pub-1", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWithActor_ValidToken(t *testing.T) {
	authService := auth.NewService("test-secret")
	signed, err := authService.GenerateActorToken("creator-1", auth.RoleCreator)
	if err != nil {
		t.Fatalf("generate actor token: %v", err)
	}

	svc := &stubDealService{getDeal: pendingDeal()}
	server := &Server{dealService: svc, authService: authService}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/pub-1", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
