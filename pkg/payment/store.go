package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rpcgate/pkg/models"
	"rpcgate/pkg/paymentfsm"
)

// ErrNotFound is returned when a payment_id has no matching row.
var ErrNotFound = errors.New("payment: session not found")

// DB is the subset of *pgxpool.Pool the store needs, mirroring the
// teacher's gatewayDB interface so a fake can stand in for tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists Payment Sessions. All state transitions go through
// UpdateState, which performs a compare-and-swap on the current state so
// that a single writer wins a race (§5: "single-writer per payment_id").
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, sess models.PaymentSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (
			payment_id, tier_id, required_amount, deposit_address, address_type,
			state, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.PaymentID, sess.TierID, sess.RequiredAmount, sess.DepositAddress,
		string(sess.AddressType), string(sess.State), sess.CreatedAt, sess.ExpiresAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, paymentID string) (models.PaymentSession, error) {
	row := s.db.QueryRow(ctx, `
		SELECT payment_id, tier_id, required_amount, deposit_address, address_type,
		       state, submitted_txid, created_at, expires_at,
		       provisional_credential_id, provisional_expires_at, final_credential_id, confirmations
		FROM payments WHERE payment_id=$1`, paymentID)

	var sess models.PaymentSession
	var addressType, state string
	var submittedTxID, provisionalCredID, finalCredID *string
	var provisionalExpiresAt *time.Time
	if err := row.Scan(
		&sess.PaymentID, &sess.TierID, &sess.RequiredAmount, &sess.DepositAddress, &addressType,
		&state, &submittedTxID, &sess.CreatedAt, &sess.ExpiresAt,
		&provisionalCredID, &provisionalExpiresAt, &finalCredID, &sess.Confirmations,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PaymentSession{}, ErrNotFound
		}
		return models.PaymentSession{}, err
	}
	sess.AddressType = models.AddressType(addressType)
	sess.State = models.PaymentState(state)
	if submittedTxID != nil {
		sess.SubmittedTxID = *submittedTxID
	}
	if provisionalCredID != nil {
		sess.ProvisionalCredentialID = *provisionalCredID
	}
	if provisionalExpiresAt != nil {
		sess.ProvisionalExpiresAt = *provisionalExpiresAt
	}
	if finalCredID != nil {
		sess.FinalCredentialID = *finalCredID
	}
	return sess, nil
}

// UpdateState performs the CAS transition from -> to, mirroring the
// teacher's updateEscrowStatus: the UPDATE's WHERE clause pins the
// expected current state so a stale writer's update affects zero rows.
func (s *Store) UpdateState(ctx context.Context, paymentID string, from, to models.PaymentState) (int64, error) {
	if !paymentfsm.CanTransition(from, to) {
		return 0, paymentfsm.ErrInvalidTransition
	}
	cmd, err := s.db.Exec(ctx, `UPDATE payments SET state=$2 WHERE payment_id=$1 AND state=$3`, paymentID, string(to), string(from))
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (s *Store) SetSubmittedTx(ctx context.Context, paymentID, txid string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET submitted_txid=$2 WHERE payment_id=$1`, paymentID, txid)
	return err
}

func (s *Store) SetConfirmations(ctx context.Context, paymentID string, confirmations int) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET confirmations=$2 WHERE payment_id=$1`, paymentID, confirmations)
	return err
}

func (s *Store) SetProvisionalCredential(ctx context.Context, paymentID, credentialID string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET provisional_credential_id=$2, provisional_expires_at=$3 WHERE payment_id=$1`, paymentID, credentialID, expiresAt)
	return err
}

func (s *Store) SetFinalCredential(ctx context.Context, paymentID, credentialID string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET final_credential_id=$2 WHERE payment_id=$1`, paymentID, credentialID)
	return err
}

// ListUnfinalized returns sessions in submitted/verified/confirmed_once, the
// states the confirmation watcher needs to re-check.
func (s *Store) ListUnfinalized(ctx context.Context) ([]models.PaymentSession, error) {
	rows, err := s.db.Query(ctx, `
		SELECT payment_id, tier_id, required_amount, deposit_address, address_type,
		       state, submitted_txid, created_at, expires_at,
		       provisional_credential_id, provisional_expires_at, final_credential_id, confirmations
		FROM payments WHERE state IN ($1,$2,$3)`,
		string(models.PaymentSubmitted), string(models.PaymentVerified), string(models.PaymentConfirmedOnce),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentSession
	for rows.Next() {
		var sess models.PaymentSession
		var addressType, state string
		var submittedTxID, provisionalCredID, finalCredID *string
		var provisionalExpiresAt *time.Time
		if err := rows.Scan(
			&sess.PaymentID, &sess.TierID, &sess.RequiredAmount, &sess.DepositAddress, &addressType,
			&state, &submittedTxID, &sess.CreatedAt, &sess.ExpiresAt,
			&provisionalCredID, &provisionalExpiresAt, &finalCredID, &sess.Confirmations,
		); err != nil {
			return nil, err
		}
		sess.AddressType = models.AddressType(addressType)
		sess.State = models.PaymentState(state)
		if submittedTxID != nil {
			sess.SubmittedTxID = *submittedTxID
		}
		if provisionalCredID != nil {
			sess.ProvisionalCredentialID = *provisionalCredID
		}
		if provisionalExpiresAt != nil {
			sess.ProvisionalExpiresAt = *provisionalExpiresAt
		}
		if finalCredID != nil {
			sess.FinalCredentialID = *finalCredID
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
