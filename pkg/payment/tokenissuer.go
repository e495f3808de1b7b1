package payment

import (
	"rpcgate/pkg/token"
)

// TokenIssuer adapts *token.Service to CredentialIssuer, translating
// token.Minted (which carries the full claim set, for revocation-by-jti
// callers elsewhere) into this package's narrower Minted shape.
type TokenIssuer struct {
	Tokens *token.Service
}

func (t TokenIssuer) IssueProvisional(subject string, tierMarkers []string) (Minted, error) {
	return adaptMinted(t.Tokens.IssueProvisional(subject, tierMarkers))
}

func (t TokenIssuer) IssueFinal(subject string, tierMarkers []string) (Minted, error) {
	return adaptMinted(t.Tokens.IssueFinal(subject, tierMarkers))
}

func adaptMinted(m token.Minted, err error) (Minted, error) {
	if err != nil {
		return Minted{}, err
	}
	return Minted{
		Token:        m.Token,
		CredentialID: m.Credential.CredentialID,
		ExpiresAt:    m.Credential.ExpiresAt,
	}, nil
}
