// Package auth verifies and mints Bearer Credentials. The Security Context
// for an inbound call is derived by package secctx.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"rpcgate/pkg/models"
)

// FailureReason is the coarse reason reported on an authentication failure,
// per §4.3 — never the raw verification error, to avoid leaking detail
// about why exactly a forged token failed.
type FailureReason string

const (
	FailureSignature FailureReason = "signature"
	FailureExpired   FailureReason = "expiry"
	FailureRevoked   FailureReason = "revoked"
	FailureMalformed FailureReason = "malformed"
)

// AuthError carries the coarse failure reason alongside the underlying
// detail, which callers may log but must not return to the caller.
type AuthError struct {
	Reason FailureReason
	err    error
}

func (e *AuthError) Error() string { return string(e.Reason) + ": " + e.err.Error() }
func (e *AuthError) Unwrap() error { return e.err }

func fail(reason FailureReason, err error) *AuthError {
	return &AuthError{Reason: reason, err: err}
}

// Revoker checks the Revocation Store. Kept as a narrow interface so the
// Authenticator doesn't need to import the revocation package's storage
// plumbing.
type Revoker interface {
	IsRevoked(ctx context.Context, credentialID string) (bool, error)
}

// Authenticator signs and verifies Bearer Credentials with a single
// process-wide symmetric secret (§4.3). There is no asymmetric or
// external-IdP mode — the gateway is its own issuer.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	revoker  Revoker
}

func New(secret, issuer, audience string, revoker Revoker) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, audience: audience, revoker: revoker}
}

// Sign mints a compact HMAC-signed token string for the given claim set.
// Issuer and audience are filled in from the Authenticator's configuration.
func (a *Authenticator) Sign(cred models.BearerCredential) (string, error) {
	cred.Issuer = a.issuer
	cred.Audience = a.audience

	header := map[string]string{"alg": "HS256", "typ": "credential"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(credentialClaims{
		Sub:   cred.Subject,
		Iss:   cred.Issuer,
		Aud:   cred.Audience,
		Iat:   cred.IssuedAt.Unix(),
		Nbf:   cred.NotBefore.Unix(),
		Exp:   cred.ExpiresAt.Unix(),
		Jti:   cred.CredentialID,
		Perms: cred.Permissions,
	})
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig, nil
}

type credentialClaims struct {
	Sub   string   `json:"sub"`
	Iss   string   `json:"iss"`
	Aud   string   `json:"aud"`
	Iat   int64    `json:"iat"`
	Nbf   int64    `json:"nbf"`
	Exp   int64    `json:"exp"`
	Jti   string   `json:"jti"`
	Perms []string `json:"perms"`
}

// Verify checks the token's signature, issuer, audience, validity window,
// and revocation status, returning the decoded claim set on success. Any
// failure is reported as one of the coarse FailureReasons (§4.3); the
// detailed error is retained on the AuthError for logging only.
func (a *Authenticator) Verify(ctx context.Context, token string, now time.Time) (models.BearerCredential, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("invalid token format"))
	}

	headerRaw, err1 := base64.RawURLEncoding.DecodeString(parts[0])
	payloadRaw, err2 := base64.RawURLEncoding.DecodeString(parts[1])
	sig, err3 := base64.RawURLEncoding.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("invalid base64 segment"))
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return models.BearerCredential{}, fail(FailureMalformed, err)
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("unsupported alg"))
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return models.BearerCredential{}, fail(FailureSignature, errors.New("signature mismatch"))
	}

	var claims credentialClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return models.BearerCredential{}, fail(FailureMalformed, err)
	}
	if claims.Sub == "" || claims.Jti == "" {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("missing sub or jti"))
	}

	exp := time.Unix(claims.Exp, 0)
	nbf := time.Unix(claims.Nbf, 0)
	if claims.Exp == 0 || !now.Before(exp) {
		return models.BearerCredential{}, fail(FailureExpired, errors.New("token expired"))
	}
	if claims.Nbf != 0 && now.Before(nbf) {
		return models.BearerCredential{}, fail(FailureExpired, errors.New("token not yet valid"))
	}
	if a.issuer != "" && claims.Iss != a.issuer {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("issuer mismatch"))
	}
	if a.audience != "" && claims.Aud != a.audience {
		return models.BearerCredential{}, fail(FailureMalformed, errors.New("audience mismatch"))
	}

	if a.revoker != nil {
		revoked, err := a.revoker.IsRevoked(ctx, claims.Jti)
		if err != nil {
			return models.BearerCredential{}, fail(FailureRevoked, err)
		}
		if revoked {
			return models.BearerCredential{}, fail(FailureRevoked, errors.New("credential revoked"))
		}
	}

	return models.BearerCredential{
		Subject:      claims.Sub,
		Issuer:       claims.Iss,
		Audience:     claims.Aud,
		IssuedAt:     time.Unix(claims.Iat, 0),
		NotBefore:    nbf,
		ExpiresAt:    exp,
		CredentialID: claims.Jti,
		Permissions:  claims.Perms,
	}, nil
}
