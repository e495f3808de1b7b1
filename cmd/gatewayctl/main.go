package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"rpcgate/pkg/auth"
	"rpcgate/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-secret":
		return genSecret(args[1:], out)
	case "mint-credential":
		return mintCredential(args[1:], out)
	case "verify-credential":
		return verifyCredential(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gatewayctl commands:")
	fmt.Fprintln(out, "  gen-secret")
	fmt.Fprintln(out, "  mint-credential --secret <s> --issuer <i> --audience <a> --subject <sub> --permissions read,admin --ttl 1h")
	fmt.Fprintln(out, "  verify-credential --secret <s> --issuer <i> --audience <a> --token <token>")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// genSecret prints a fresh base64-encoded random secret, suitable for
// CREDENTIAL_SECRET (§6 configuration surface). The gateway is its own
// issuer with no external IdP, so operators need a way to provision this
// value outside the running process.
func genSecret(args []string, out io.Writer) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(raw))
	return nil
}

func mintCredential(args []string, out io.Writer) error {
	fs := newFlagSet("mint-credential")
	secret := fs.String("secret", "", "credential signing secret")
	issuer := fs.String("issuer", "gateway", "issuer")
	audience := fs.String("audience", "gateway-clients", "audience")
	subject := fs.String("subject", "", "credential subject (caller address or payment id)")
	permissions := fs.String("permissions", "", "comma-separated permission markers")
	ttl := fs.Duration("ttl", time.Hour, "time until expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *subject == "" {
		return errors.New("secret and subject required")
	}

	signer := auth.New(*secret, *issuer, *audience, nil)
	now := time.Now().UTC()
	cred := models.BearerCredential{
		Subject:      *subject,
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(*ttl),
		CredentialID: uuid.NewString(),
		Permissions:  splitAndTrim(*permissions),
	}
	token, err := signer.Sign(cred)
	if err != nil {
		return fmt.Errorf("sign credential: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func verifyCredential(args []string, out io.Writer) error {
	fs := newFlagSet("verify-credential")
	secret := fs.String("secret", "", "credential signing secret")
	issuer := fs.String("issuer", "gateway", "issuer")
	audience := fs.String("audience", "gateway-clients", "audience")
	token := fs.String("token", "", "credential token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *token == "" {
		return errors.New("secret and token required")
	}

	signer := auth.New(*secret, *issuer, *audience, nil)
	cred, err := signer.Verify(context.Background(), *token, time.Now())
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	fmt.Fprintf(out, "subject=%s credential_id=%s expires_at=%s permissions=%s\n",
		cred.Subject, cred.CredentialID, cred.ExpiresAt.UTC().Format(time.RFC3339), strings.Join(cred.Permissions, ","))
	return nil
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
