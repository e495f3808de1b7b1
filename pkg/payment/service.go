// Package payment implements the Payment Service (§4.9): quote issuance,
// rawtx submission and verification, confirmation-depth tracking, and
// provisional/final credential issuance, all driven through paymentfsm's
// transition table.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rpcgate/pkg/backend"
	"rpcgate/pkg/escrowfsm"
	"rpcgate/pkg/models"
	"rpcgate/pkg/paymentfsm"
)

var (
	// ErrNoAddressAvailable is returned when the viewing-only deposit
	// address pool is empty or viewing keys were never configured (§4.9
	// "must refuse quotes with a descriptive error").
	ErrNoAddressAvailable = errors.New("payment: no deposit address available for quote")
	ErrUnknownTier        = errors.New("payment: unknown tier_id")
	ErrVerificationFailed = errors.New("payment: rawtx does not satisfy the session's deposit requirement")
)

// AddressPool allocates deposit addresses in viewing-only mode, where the
// gateway holds viewing keys but no spending authority and so cannot mint
// fresh addresses on demand.
type AddressPool interface {
	Allocate(addressType models.AddressType) (address string, ok bool)
	Release(address string)
}

// Minted is the credential-issuance result the Token Service hands back;
// kept as a narrow local shape so this package doesn't need to import
// token's Mode machinery, mirroring the teacher's habit of small
// purpose-built interfaces (gatewayDB, auditStore) instead of depending on
// whole sibling packages.
type Minted struct {
	Token        string
	CredentialID string
	ExpiresAt    time.Time
}

// CredentialIssuer mints the provisional/final payment-verified credentials
// (§4.10 mode 3).
type CredentialIssuer interface {
	IssueProvisional(subject string, tierMarkers []string) (Minted, error)
	IssueFinal(subject string, tierMarkers []string) (Minted, error)
}

// Revoker records a provisional credential id for revocation when a session
// fails or expires after issuance (§4.9 invariant).
type Revoker interface {
	Revoke(ctx context.Context, credentialID string, expiresAt time.Time) error
}

// Tier describes one purchasable tier's price and permission markers.
type Tier struct {
	ID             string
	RequiredAmount float64
	PermissionTags []string
	MinConfirmations int
}

// Config holds the service's tunables.
type Config struct {
	Tiers       map[string]Tier
	QuoteTTL    time.Duration
	ViewingOnly bool
}

// Service ties the Payment Session store, the viewing-only address pool,
// the backend proxy (for rawtx decoding and confirmation depth), and
// credential issuance together.
type Service struct {
	store    *Store
	pool     AddressPool
	backend  *backend.Proxy
	tokens   CredentialIssuer
	revoker  Revoker
	cfg      Config
}

func New(store *Store, pool AddressPool, be *backend.Proxy, tokens CredentialIssuer, revoker Revoker, cfg Config) *Service {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 30 * time.Minute
	}
	return &Service{store: store, pool: pool, backend: be, tokens: tokens, revoker: revoker, cfg: cfg}
}

// RequestQuote creates a pending Payment Session for tierID, allocating a
// deposit address from the viewing-only pool.
func (s *Service) RequestQuote(ctx context.Context, tierID string, addressType models.AddressType) (models.PaymentSession, error) {
	tier, ok := s.cfg.Tiers[tierID]
	if !ok {
		return models.PaymentSession{}, ErrUnknownTier
	}
	if !s.cfg.ViewingOnly {
		return models.PaymentSession{}, ErrNoAddressAvailable
	}
	address, ok := s.pool.Allocate(addressType)
	if !ok {
		return models.PaymentSession{}, ErrNoAddressAvailable
	}

	now := time.Now().UTC()
	sess := models.PaymentSession{
		PaymentID:      uuid.NewString(),
		TierID:         tierID,
		RequiredAmount: tier.RequiredAmount,
		DepositAddress: address,
		AddressType:    addressType,
		State:          models.PaymentPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		s.pool.Release(address)
		return models.PaymentSession{}, err
	}
	return sess, nil
}

// Submit records rawtxHex against paymentID and verifies it against the
// backend's viewing-key decode of the transaction. Idempotent: resubmitting
// the same payment_id once it is already submitted or past is a no-op
// (§4.9 invariant).
func (s *Service) Submit(ctx context.Context, paymentID, rawtxHex string) (string, error) {
	sess, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if sess.State != models.PaymentPending {
		// Already submitted (or past submission) — idempotent no-op,
		// echoing back whatever txid was recorded the first time.
		return sess.SubmittedTxID, nil
	}
	if paymentfsm.IsExpired(time.Now(), sess.ExpiresAt) {
		_, _ = s.store.UpdateState(ctx, paymentID, sess.State, models.PaymentExpired)
		return "", fmt.Errorf("payment: session %s expired", paymentID)
	}

	txid, amount, err := s.decodeRawTx(ctx, rawtxHex)
	if err != nil {
		return "", err
	}

	rows, err := s.store.UpdateState(ctx, paymentID, models.PaymentPending, models.PaymentSubmitted)
	if err != nil {
		return "", err
	}
	if rows == 0 {
		// Lost the race to another submitter; re-read and behave
		// idempotently against whatever state won.
		sess, err = s.store.Get(ctx, paymentID)
		if err != nil {
			return "", err
		}
		return sess.SubmittedTxID, nil
	}
	if err := s.store.SetSubmittedTx(ctx, paymentID, txid); err != nil {
		return "", err
	}

	if amount < sess.RequiredAmount {
		_, _ = s.store.UpdateState(ctx, paymentID, models.PaymentSubmitted, models.PaymentFailed)
		return "", ErrVerificationFailed
	}
	if _, err := s.store.UpdateState(ctx, paymentID, models.PaymentSubmitted, models.PaymentVerified); err != nil {
		return "", err
	}
	return txid, nil
}

// decodeRawTx asks the backend to inspect rawtxHex using its viewing-key
// operations, returning the transaction id and the amount paid to the
// deposit address the caller claims to be funding.
func (s *Service) decodeRawTx(ctx context.Context, rawtxHex string) (txid string, amount float64, err error) {
	params, err := json.Marshal([]string{rawtxHex})
	if err != nil {
		return "", 0, err
	}
	result, beErr := s.backend.Call(ctx, "z_viewtransaction", params, nil)
	if beErr != nil {
		return "", 0, beErr
	}
	var decoded struct {
		TxID    string  `json:"txid"`
		Amount  float64 `json:"amount"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return "", 0, err
	}
	return decoded.TxID, decoded.Amount, nil
}

// AdvanceConfirmations applies a freshly observed confirmation depth for
// paymentID, driving verified -> confirmed_once -> finalized as the
// thresholds are crossed. Called by both the polling watcher and the
// statebus block-event consumer.
func (s *Service) AdvanceConfirmations(ctx context.Context, paymentID string, confirmations int) error {
	sess, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if err := s.store.SetConfirmations(ctx, paymentID, confirmations); err != nil {
		return err
	}

	tier := s.cfg.Tiers[sess.TierID]
	target := paymentfsm.ConfirmationTarget(sess.State, tier.MinConfirmations)
	if target == 0 || confirmations < target {
		return nil
	}

	switch sess.State {
	case models.PaymentVerified:
		return s.confirmOnce(ctx, sess, tier)
	case models.PaymentConfirmedOnce:
		return s.finalize(ctx, sess, tier)
	default:
		return nil
	}
}

// confirmOnce transitions verified -> confirmed_once and mints the
// provisional credential, rolling the state transition back if issuance
// fails — a two-phase commit/compensate, the same shape as escrowfsm's
// ExecuteTwoPhase.
func (s *Service) confirmOnce(ctx context.Context, sess models.PaymentSession, tier Tier) error {
	var minted Minted
	err := escrowfsm.ExecuteTwoPhase(ctx, escrowfsm.TwoPhase{
		Commit: func(ctx context.Context) error {
			rows, err := s.store.UpdateState(ctx, sess.PaymentID, models.PaymentVerified, models.PaymentConfirmedOnce)
			if err != nil || rows == 0 {
				if err == nil {
					err = errors.New("payment: confirmed_once transition lost the race")
				}
				return err
			}
			minted, err = s.tokens.IssueProvisional(sess.PaymentID, tier.PermissionTags)
			return err
		},
		Rollback: func(ctx context.Context) error {
			_, _ = s.store.UpdateState(ctx, sess.PaymentID, models.PaymentConfirmedOnce, models.PaymentVerified)
			return nil
		},
	})
	if err != nil {
		return err
	}
	return s.store.SetProvisionalCredential(ctx, sess.PaymentID, minted.CredentialID, minted.ExpiresAt)
}

// finalize transitions confirmed_once -> finalized and mints the final
// credential, then revokes the provisional one per §4.9's handoff — once
// the final credential exists, the provisional must no longer authenticate.
func (s *Service) finalize(ctx context.Context, sess models.PaymentSession, tier Tier) error {
	var minted Minted
	err := escrowfsm.ExecuteTwoPhase(ctx, escrowfsm.TwoPhase{
		Commit: func(ctx context.Context) error {
			rows, err := s.store.UpdateState(ctx, sess.PaymentID, models.PaymentConfirmedOnce, models.PaymentFinalized)
			if err != nil || rows == 0 {
				if err == nil {
					err = errors.New("payment: finalize transition lost the race")
				}
				return err
			}
			minted, err = s.tokens.IssueFinal(sess.PaymentID, tier.PermissionTags)
			return err
		},
		Rollback: func(ctx context.Context) error {
			_, _ = s.store.UpdateState(ctx, sess.PaymentID, models.PaymentFinalized, models.PaymentConfirmedOnce)
			return nil
		},
	})
	if err != nil {
		return err
	}
	if err := s.store.SetFinalCredential(ctx, sess.PaymentID, minted.CredentialID); err != nil {
		return err
	}
	if sess.ProvisionalCredentialID != "" {
		// TTL is the provisional credential's own original expiry, not the
		// final credential's — §4.9 invariant.
		return s.revoker.Revoke(ctx, sess.ProvisionalCredentialID, sess.ProvisionalExpiresAt)
	}
	return nil
}

// Fail marks a session failed or expired, revoking any provisional
// credential already issued (§4.9 invariant).
func (s *Service) Fail(ctx context.Context, paymentID string, to models.PaymentState) error {
	sess, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	rows, err := s.store.UpdateState(ctx, paymentID, sess.State, to)
	if err != nil || rows == 0 {
		return err
	}
	if sess.ProvisionalCredentialID != "" {
		return s.revoker.Revoke(ctx, sess.ProvisionalCredentialID, sess.ProvisionalExpiresAt)
	}
	return nil
}

// Status returns the current Payment Session snapshot.
func (s *Service) Status(ctx context.Context, paymentID string) (models.PaymentSession, error) {
	return s.store.Get(ctx, paymentID)
}
