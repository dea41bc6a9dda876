package audit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"evodash.io/internal/auth"
)

// ClientIP resolves the caller address recorded in audit rows: first
// X-Forwarded-For entry, then X-Real-IP, then the connection's remote host.
// The headers are caller-controlled, so this must not key rate limits; use
// TrustedProxies.PeerIP for that.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return auth.UnknownIP
}

// ClientFromRequest collects the audit fields of r.
func ClientFromRequest(r *http.Request, requestID string) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: requestID,
	}
}

// TrustedProxies lists the networks whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts bare addresses and CIDR blocks.
func ParseTrustedProxies(values []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// PeerIP returns the address a rate limit should be keyed on. It is the
// connection's remote host unless that host is a trusted proxy, in which
// case X-Forwarded-For is walked from the right and the first untrusted hop
// wins.
func (t TrustedProxies) PeerIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if host == "" {
		return auth.UnknownIP
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !t.trusts(peer) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	if len(hops) == 0 {
		if xr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return xr.Unmap().String()
		}
		return host
	}
	last := peer.Unmap()
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		hop = hop.Unmap()
		if !t.trusts(hop) {
			return hop.String()
		}
		last = hop
	}
	return last.String()
}
