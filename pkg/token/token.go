// Package token implements the Token Service (§4.10): mints Bearer
// Credentials in one of three discriminated modes, each with its own
// permission set and expiry, all signed through the same Authenticator.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rpcgate/pkg/auth"
	"rpcgate/pkg/models"
	"rpcgate/pkg/ratelimit"
)

// Mode discriminates the three issuance paths. A Mode carries no payload of
// its own — the mode-specific inputs are passed as arguments to the
// matching Issue* method, per spec.md §9's "discriminated variant rather
// than inheritance" note.
type Mode string

const (
	ModeAnonymous      Mode = "anonymous"
	ModeProofOfWork    Mode = "proof_of_work"
	ModePaymentVerified Mode = "payment_verified"
)

var (
	ErrQuotaExceeded = errors.New("token: per-address issuance quota exceeded")
)

// Config holds the per-mode permission sets, expiries, and the issuance
// quota bucket's shape.
type Config struct {
	AnonymousPermissions []string
	AnonymousExpiry      time.Duration

	PoWPermissions []string // pow_validated + rate-multiplier marker live here
	PoWExpiry      time.Duration

	PaidPermissions         []string // tier markers appended alongside "paid"
	ProvisionalPermissions  []string // tier markers appended alongside "provisional"
	PaidExpiry              time.Duration

	QuotaCapacity float64 // issuances per window, per caller address
	QuotaRefill   float64 // tokens/sec refill
}

// Minted is the signed token plus the claim set it was minted from, so
// callers can record the credential_id for revocation without re-parsing
// the token string.
type Minted struct {
	Token      string
	Credential models.BearerCredential
}

// Service mints credentials through signer and enforces the per-address
// issuance quota with quota (a second bucket, distinct from the per-method
// rate limiter the orchestrator uses).
type Service struct {
	signer *auth.Authenticator
	quota  ratelimit.Limiter
	cfg    Config
}

func New(signer *auth.Authenticator, quota ratelimit.Limiter, cfg Config) *Service {
	if cfg.AnonymousExpiry <= 0 {
		cfg.AnonymousExpiry = time.Hour
	}
	if cfg.PoWExpiry <= 0 {
		cfg.PoWExpiry = 6 * time.Hour
	}
	if cfg.PaidExpiry <= 0 {
		cfg.PaidExpiry = 24 * time.Hour
	}
	if cfg.QuotaCapacity <= 0 {
		cfg.QuotaCapacity = 5
	}
	if cfg.QuotaRefill <= 0 {
		cfg.QuotaRefill = cfg.QuotaCapacity / 3600
	}
	return &Service{signer: signer, quota: quota, cfg: cfg}
}

// IssueAnonymous mints an ephemeral-subject credential, subject only to the
// per-address issuance quota — no backend liveness is required (§9 open
// question #3).
func (s *Service) IssueAnonymous(ctx context.Context, callerAddress string) (Minted, error) {
	if err := s.checkQuota(ctx, callerAddress); err != nil {
		return Minted{}, err
	}
	now := time.Now().UTC()
	cred := models.BearerCredential{
		Subject:      "anon-" + uuid.NewString(),
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(s.cfg.AnonymousExpiry),
		CredentialID: uuid.NewString(),
		Permissions:  append([]string{}, s.cfg.AnonymousPermissions...),
	}
	return s.sign(cred)
}

// IssuePoW mints a credential carrying "pow_validated" plus the configured
// rate-multiplier marker. Callable only from the Challenge Service on
// successful verification (§4.10 mode 2) — enforcement of that boundary is
// the gateway's HTTP token-issuance handler, not this method's.
func (s *Service) IssuePoW(callerAddress string) (Minted, error) {
	now := time.Now().UTC()
	cred := models.BearerCredential{
		Subject:      "pow-" + callerAddress,
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(s.cfg.PoWExpiry),
		CredentialID: uuid.NewString(),
		Permissions:  append([]string{"pow_validated"}, s.cfg.PoWPermissions...),
	}
	return s.sign(cred)
}

// IssueProvisional mints a provisional, payment-verified credential on a
// Payment Session's entry to confirmed_once (§4.9/§4.10 mode 3).
func (s *Service) IssueProvisional(subject string, tierMarkers []string) (Minted, error) {
	now := time.Now().UTC()
	perms := append([]string{"provisional"}, s.cfg.ProvisionalPermissions...)
	perms = append(perms, tierMarkers...)
	cred := models.BearerCredential{
		Subject:      subject,
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(s.cfg.PaidExpiry),
		CredentialID: uuid.NewString(),
		Permissions:  perms,
	}
	return s.sign(cred)
}

// IssueFinal mints the final, payment-verified credential on a Payment
// Session's entry to finalized.
func (s *Service) IssueFinal(subject string, tierMarkers []string) (Minted, error) {
	now := time.Now().UTC()
	perms := append([]string{"paid"}, s.cfg.PaidPermissions...)
	perms = append(perms, tierMarkers...)
	cred := models.BearerCredential{
		Subject:      subject,
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(s.cfg.PaidExpiry),
		CredentialID: uuid.NewString(),
		Permissions:  perms,
	}
	return s.sign(cred)
}

func (s *Service) sign(cred models.BearerCredential) (Minted, error) {
	tok, err := s.signer.Sign(cred)
	if err != nil {
		return Minted{}, err
	}
	return Minted{Token: tok, Credential: cred}, nil
}

func (s *Service) checkQuota(ctx context.Context, callerAddress string) error {
	if s.quota == nil {
		return nil
	}
	decision, err := s.quota.Allow(ctx, "issuance:"+callerAddress, s.cfg.QuotaCapacity, s.cfg.QuotaRefill, 1)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return ErrQuotaExceeded
	}
	return nil
}
