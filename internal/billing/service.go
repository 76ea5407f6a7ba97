package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/models"
)

// EventPurchaseCompleted is the only event type that moves tokens.
const EventPurchaseCompleted = "purchase.completed"

// Result of processing a verified webhook event. Every result is acknowledged
// with 200; the distinction is for logs and the response body.
const (
	ResultCredited  = "credited"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultSkipped   = "skipped"
)

// Event is the payment provider's webhook payload. Amount is informational
// only; the credited amount always comes from the package catalog.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AccountID uuid.UUID `json:"account_id"`
	PackageID string    `json:"package_id"`
	Amount    int64     `json:"amount"`
}

type Service interface {
	VerifySignature(body []byte, signature string) bool
	ProcessEvent(ctx context.Context, event Event) (string, error)
	Packages() []models.TokenPackage
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// TokenLedger is the slice of the ledger billing uses.
type TokenLedger interface {
	CreditFromEvent(ctx context.Context, accountID uuid.UUID, amount int64, eventID string) (bool, error)
	CountCreditsSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	ledger        TokenLedger
	secret        []byte
	creditCeiling int
	creditWindow  time.Duration
	log           *slog.Logger
}

func NewService(ledger TokenLedger, secret string, creditCeiling int, creditWindow time.Duration, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		ledger:        ledger,
		secret:        []byte(secret),
		creditCeiling: creditCeiling,
		creditWindow:  creditWindow,
		log:           log,
	}
}

var _ Service = (*service)(nil)

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// shared secret. Comparison is constant time.
func (s *service) VerifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProcessEvent routes a verified event. purchase.completed credits the
// account once per event id; everything unrecognized is acknowledged and
// logged so the provider stops redelivering it.
func (s *service) ProcessEvent(ctx context.Context, event Event) (string, error) {
	if event.Type != EventPurchaseCompleted {
		s.log.Info("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return ResultIgnored, nil
	}
	if event.ID == "" || event.AccountID == uuid.Nil {
		s.log.Warn("discarding malformed purchase event", "event_id", event.ID)
		return ResultIgnored, nil
	}

	pkg, ok := packageByID(event.PackageID)
	if !ok {
		s.log.Error("purchase event names unknown package, not crediting",
			"event_id", event.ID, "account_id", event.AccountID, "package_id", event.PackageID)
		return ResultSkipped, nil
	}

	count, err := s.ledger.CountCreditsSince(ctx, event.AccountID, time.Now().UTC().Add(-s.creditWindow))
	if err != nil {
		return "", err
	}
	if count >= s.creditCeiling {
		s.log.Warn("security alert: credit ceiling exceeded, crediting skipped pending review",
			"event_id", event.ID, "account_id", event.AccountID, "package_id", event.PackageID,
			"credits_in_window", count, "ceiling", s.creditCeiling, "window", s.creditWindow)
		return ResultSkipped, nil
	}

	credited, err := s.ledger.CreditFromEvent(ctx, event.AccountID, pkg.Tokens, event.ID)
	if err != nil {
		return "", err
	}
	if !credited {
		s.log.Info("duplicate purchase event", "event_id", event.ID, "account_id", event.AccountID)
		return ResultDuplicate, nil
	}
	s.log.Info("purchase credited",
		"event_id", event.ID, "account_id", event.AccountID, "package_id", pkg.ID, "tokens", pkg.Tokens)
	return ResultCredited, nil
}

func (s *service) Packages() []models.TokenPackage {
	return catalog
}

func (s *service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

func (s *service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.ledger.History(ctx, accountID, limit)
}
