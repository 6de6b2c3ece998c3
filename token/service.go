package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// secretBytes gives every secret at least 256 bits of entropy.
const secretBytes = 32

// Service issues, validates, and consumes single-use access tokens. A secret
// is "<token id>.<random hex>"; the id half locates the row and the random
// half is compared against the stored bcrypt hash, so mismatched deals are
// distinguishable from unknown secrets.
type Service struct {
	repo       Repository
	idGen      func() string
	now        func() time.Time
	bcryptCost int
}

// IssueResult carries the stored row plus the plaintext secret, which is
// never recoverable afterwards.
type IssueResult struct {
	Token  Token
	Secret string
}

func NewService(repo Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		repo:       repo,
		idGen:      func() string { return uuid.NewString() },
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBcryptCost lowers the hashing cost for tests.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.bcryptCost = cost
	return s
}

// Issue creates a token for the deal with expiry now+ttl (DefaultTTL when
// ttl is zero) and returns the one-time plaintext secret.
func (s *Service) Issue(ctx context.Context, q Querier, dealID string, ttl time.Duration) (IssueResult, error) {
	if dealID == "" {
		return IssueResult{}, fmt.Errorf("token: missing deal id")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return IssueResult{}, fmt.Errorf("token: generate secret: %w", err)
	}
	secretPart := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secretPart), s.bcryptCost)
	if err != nil {
		return IssueResult{}, fmt.Errorf("token: hash secret: %w", err)
	}

	tok, err := s.repo.Insert(ctx, q, InsertParams{
		ID:         s.idGen(),
		DealID:     dealID,
		SecretHash: string(hash),
		ExpiresAt:  s.now().Add(ttl),
	})
	if err != nil {
		return IssueResult{}, err
	}

	return IssueResult{
		Token:  tok,
		Secret: tok.ID + "." + secretPart,
	}, nil
}

// Validate checks a secret against a deal without side effects. A nil error
// means the token would currently be accepted by Consume.
func (s *Service) Validate(ctx context.Context, q Querier, dealID, secret string) error {
	tok, err := s.lookup(ctx, q, dealID, secret)
	if err != nil {
		return err
	}
	if tok.Consumed() {
		return ErrAlreadyUsed
	}
	if tok.ExpiredAt(s.now()) {
		return ErrExpired
	}
	return nil
}

// Consume atomically re-validates and marks the token used. Exactly one of
// any number of concurrent calls with the same secret succeeds; the rest get
// the specific failure reason.
func (s *Service) Consume(ctx context.Context, q Querier, dealID, secret string) (Token, error) {
	tok, err := s.lookup(ctx, q, dealID, secret)
	if err != nil {
		return Token{}, err
	}

	updated, err := s.repo.MarkUsed(ctx, q, tok.ID)
	if err != nil {
		return Token{}, err
	}
	if !updated {
		// Lost the race or expired between lookup and update; re-read to
		// report the precise reason.
		current, err := s.repo.GetByID(ctx, q, tok.ID)
		if err != nil {
			return Token{}, err
		}
		if current.Consumed() {
			return Token{}, ErrAlreadyUsed
		}
		return Token{}, ErrExpired
	}

	return s.repo.GetByID(ctx, q, tok.ID)
}

func (s *Service) lookup(ctx context.Context, q Querier, dealID, secret string) (Token, error) {
	if dealID == "" {
		return Token{}, fmt.Errorf("token: missing deal id")
	}

	id, secretPart, ok := splitSecret(secret)
	if !ok {
		return Token{}, ErrNotFound
	}

	tok, err := s.repo.GetByID(ctx, q, id)
	if err != nil {
		return Token{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(tok.SecretHash), []byte(secretPart)) != nil {
		return Token{}, ErrNotFound
	}
	if tok.DealID != dealID {
		return Token{}, ErrDealMismatch
	}
	return tok, nil
}

func splitSecret(secret string) (id, secretPart string, ok bool) {
	id, secretPart, found := strings.Cut(secret, ".")
	if !found || id == "" || secretPart == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return id, secretPart, true
}

// IsInvalid reports whether err is one of the typed token rejections rather
// than a store failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrDealMismatch)
}
