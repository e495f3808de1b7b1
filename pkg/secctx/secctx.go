// Package secctx derives the per-call Security Context: the caller address
// (honoring a configured trusted-proxy list), and the development-mode
// loopback bypass rule (§4.3, §4.12 stage 1/3).
package secctx

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"rpcgate/pkg/models"
)

// Deriver builds a SecurityContext from an inbound HTTP request, resolving
// the caller address through trusted proxies the same way the gateway's
// predecessor resolved it for rate-limit keys.
type Deriver struct {
	TrustedProxyCIDRs []*net.IPNet
	DevelopmentMode   bool
}

func New(trustedProxyCIDRs []*net.IPNet, developmentMode bool) *Deriver {
	return &Deriver{TrustedProxyCIDRs: trustedProxyCIDRs, DevelopmentMode: developmentMode}
}

// Derive builds a fresh SecurityContext for one inbound call. The bearer
// token string, if present, is carried unverified — the Authenticator
// verifies it in the next pipeline stage.
func (d *Deriver) Derive(r *http.Request) models.SecurityContext {
	callerAddr := d.clientIP(r)
	return models.SecurityContext{
		CallerAddress:      callerAddr,
		UserAgent:          r.UserAgent(),
		BearerCredential:   extractBearer(r),
		GrantedPermissions: map[string]struct{}{},
		Timestamp:          time.Now(),
		RequestID:          uuid.NewString(),
		DevelopmentMode:    d.DevelopmentMode && IsLoopback(callerAddr),
	}
}

func extractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func (d *Deriver) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && d.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (d *Deriver) isTrustedProxy(ipStr string) bool {
	if len(d.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range d.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// IsLoopback reports whether addr is an IPv4 loopback literal, an IPv6
// loopback literal, or the bare string "localhost" — the three forms the
// development-mode bypass recognizes (§4.3). Anything else, including a
// hostname that merely resolves to loopback, does not qualify.
func IsLoopback(addr string) bool {
	if strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
