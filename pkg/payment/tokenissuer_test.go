package payment

import (
	"testing"
	"time"

	"rpcgate/pkg/auth"
	"rpcgate/pkg/ratelimit"
	"rpcgate/pkg/token"
)

func TestTokenIssuerAdaptsMintedShape(t *testing.T) {
	signer := auth.New("secret", "gateway", "gateway-clients", nil)
	svc := token.New(signer, ratelimit.NewInMemory(), token.Config{
		ProvisionalPermissions: []string{"provisional"},
		PaidPermissions:        []string{"paid"},
		PaidExpiry:             time.Hour,
	})
	issuer := TokenIssuer{Tokens: svc}

	minted, err := issuer.IssueProvisional("payment-1", []string{"tier_gold"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if minted.Token == "" || minted.CredentialID == "" || minted.ExpiresAt.IsZero() {
		t.Fatalf("expected fully populated Minted, got %+v", minted)
	}

	final, err := issuer.IssueFinal("payment-1", []string{"tier_gold"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.CredentialID == minted.CredentialID {
		t.Fatalf("expected distinct credential ids across provisional and final issuance")
	}
}
