// Package challenge implements the proof-of-work Challenge Service (§4.8):
// issuance of a preimage/threshold puzzle and single-use verification of a
// caller's solution.
package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"rpcgate/pkg/models"
)

// Algorithm names accepted at challenge creation, echoed at verification.
const (
	AlgoSHA256 = "sha-256"
	AlgoBlake3 = "blake3"
)

var (
	ErrUnknownChallenge  = errors.New("challenge: unknown or already consumed")
	ErrExpired           = errors.New("challenge: expired")
	ErrAddressMismatch   = errors.New("challenge: bound to a different caller")
	ErrHashMismatch      = errors.New("challenge: solution does not satisfy threshold")
	ErrUnsupportedAlgo   = errors.New("challenge: unsupported algorithm")
)

// Config holds the puzzle's tunables.
type Config struct {
	TTL              time.Duration
	TargetThreshold  string // hex-encoded prefix the hash must not exceed
	Algorithm        string
	FailureFreezeAfter int           // consecutive failures before a brief freeze
	FreezeDuration     time.Duration
}

type record struct {
	challenge models.Challenge
	consumed  bool
	mu        sync.Mutex
}

// Service tracks in-flight challenges and per-caller failure counters. It
// holds no reference to the Rate Limiter or Token Service directly — the
// gateway's HTTP token-issuance handler wires those together — matching §4.8's "signal the Token
// Service to mint a credential" being the caller's responsibility, not
// this package's.
type Service struct {
	cfg Config

	mu         sync.Mutex
	challenges map[string]*record

	failuresMu sync.Mutex
	failures   map[string]int
	frozenUntil map[string]time.Time
}

func New(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgoSHA256
	}
	return &Service{
		cfg:         cfg,
		challenges:  make(map[string]*record),
		failures:    make(map[string]int),
		frozenUntil: make(map[string]time.Time),
	}
}

// IsFrozen reports whether callerAddress's challenge-issuance bucket is
// currently frozen due to repeated failures.
func (s *Service) IsFrozen(callerAddress string) bool {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	until, ok := s.frozenUntil[callerAddress]
	return ok && time.Now().Before(until)
}

// Issue creates a new Challenge bound to callerAddress.
func (s *Service) Issue(callerAddress string) (models.Challenge, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return models.Challenge{}, err
	}
	id, err := randomHex(16)
	if err != nil {
		return models.Challenge{}, err
	}
	now := time.Now()
	c := models.Challenge{
		ChallengeID:        id,
		PreimageNonce:      nonce,
		TargetThreshold:    s.cfg.TargetThreshold,
		Algorithm:          s.cfg.Algorithm,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.cfg.TTL),
		BoundCallerAddress: callerAddress,
	}
	s.mu.Lock()
	s.challenges[id] = &record{challenge: c}
	s.mu.Unlock()
	return c, nil
}

// Verify checks solution against the stored Challenge and, on success,
// atomically marks it consumed so a second submission of the same
// (challenge_id, worker_nonce) is rejected (§8 invariant 8).
func (s *Service) Verify(callerAddress string, solution models.Solution) error {
	s.mu.Lock()
	rec, ok := s.challenges[solution.ChallengeID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownChallenge
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.consumed {
		s.recordFailure(callerAddress)
		return ErrUnknownChallenge
	}
	// Strict inequality: a challenge expiring exactly at now is rejected (§8).
	if !time.Now().Before(rec.challenge.ExpiresAt) {
		s.recordFailure(callerAddress)
		return ErrExpired
	}
	if rec.challenge.BoundCallerAddress != callerAddress {
		s.recordFailure(callerAddress)
		return ErrAddressMismatch
	}

	computed, err := computeHash(rec.challenge.Algorithm, rec.challenge.PreimageNonce, solution.WorkerNonce)
	if err != nil {
		s.recordFailure(callerAddress)
		return err
	}
	if !strings.EqualFold(computed, solution.ClaimedHash) {
		s.recordFailure(callerAddress)
		return ErrHashMismatch
	}
	if !satisfiesThreshold(computed, rec.challenge.TargetThreshold) {
		s.recordFailure(callerAddress)
		return ErrHashMismatch
	}

	rec.consumed = true
	s.resetFailures(callerAddress)
	return nil
}

func (s *Service) recordFailure(callerAddress string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	s.failures[callerAddress]++
	if s.cfg.FailureFreezeAfter > 0 && s.failures[callerAddress] >= s.cfg.FailureFreezeAfter {
		freeze := s.cfg.FreezeDuration
		if freeze <= 0 {
			freeze = time.Minute
		}
		s.frozenUntil[callerAddress] = time.Now().Add(freeze)
		s.failures[callerAddress] = 0
	}
}

func (s *Service) resetFailures(callerAddress string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	delete(s.failures, callerAddress)
}

// Sweep removes expired, unconsumed challenges to bound memory.
func (s *Service) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, rec := range s.challenges {
		rec.mu.Lock()
		expired := now.After(rec.challenge.ExpiresAt)
		rec.mu.Unlock()
		if expired {
			delete(s.challenges, id)
			evicted++
		}
	}
	return evicted
}

func computeHash(algorithm, preimageNonce, workerNonce string) (string, error) {
	input := []byte(preimageNonce + workerNonce)
	switch algorithm {
	case AlgoSHA256:
		sum := sha256.Sum256(input)
		return hex.EncodeToString(sum[:]), nil
	case AlgoBlake3:
		sum := blake3.Sum256(input)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", ErrUnsupportedAlgo
	}
}

// satisfiesThreshold treats both values as big-endian hex and requires
// hash <= threshold, compared over the threshold's own prefix length —
// exactly the "defined prefix length" language of §4.8.
func satisfiesThreshold(hash, threshold string) bool {
	n := len(threshold)
	if n > len(hash) {
		n = len(hash)
	}
	return strings.Compare(hash[:n], threshold[:n]) <= 0
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
