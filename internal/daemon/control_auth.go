package daemon

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TokenHeader carries the shared control token.
const TokenHeader = "X-Orchestrator-Token"

// ControlAuth gates the control routes behind the shared token and, when
// configured, a source-address allowlist. Only the health route is open.
type ControlAuth struct {
	token    []byte
	networks []netip.Prefix
}

// NewControlAuth validates the token and parses allowCIDRs.
func NewControlAuth(token string, allowCIDRs []string) (*ControlAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("control auth token is required")
	}
	auth := &ControlAuth{token: []byte(token)}
	for _, raw := range allowCIDRs {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, fmt.Errorf("control_allow_cidrs: %w", err)
		}
		auth.networks = append(auth.networks, prefix.Masked())
	}
	return auth, nil
}

// Wrap rejects unauthorized control requests with 403 before they reach next.
func (a *ControlAuth) Wrap(next http.Handler) http.Handler {
	if a == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != healthPath {
			if reason := a.reject(r); reason != "" {
				writeError(w, http.StatusForbidden, reason)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// reject returns the refusal message for r, or "" when r may proceed.
func (a *ControlAuth) reject(r *http.Request) string {
	if len(a.networks) > 0 && !a.sourceAllowed(r.RemoteAddr) {
		return "remote address not allowed"
	}
	presented := strings.TrimSpace(r.Header.Get(TokenHeader))
	switch {
	case presented == "":
		return "forbidden: missing authentication token"
	case subtle.ConstantTimeCompare([]byte(presented), a.token) != 1:
		return "forbidden: invalid authentication token"
	}
	return ""
}

func (a *ControlAuth) sourceAllowed(raw string) bool {
	addr, ok := clientAddr(raw)
	if !ok {
		return false
	}
	for _, network := range a.networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr extracts the client IP from an http.Request RemoteAddr, which is
// normally host:port but may be a bare host behind some listeners. Zones are
// dropped and IPv4-mapped addresses unmapped so prefix checks behave.
func clientAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if addrPort, err := netip.ParseAddrPort(raw); err == nil {
		return addrPort.Addr().WithZone("").Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
