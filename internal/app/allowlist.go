package app

import (
	"log/slog"
	"net"
	"net/netip"
	"strings"
)

// prefixSet matches addresses against a list of single IPs and CIDR ranges.
type prefixSet []netip.Prefix

func newPrefixSet(entries []string, logger *slog.Logger, listName string) prefixSet {
	set := make(prefixSet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("skipping invalid network entry", "list", listName, "entry", entry, "error", err)
				continue
			}
			set = append(set, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("skipping invalid network entry", "list", listName, "entry", entry, "error", err)
			continue
		}
		addr = addr.Unmap()
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set
}

func (s prefixSet) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range s {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// OriginPolicy resolves the client address of a webhook request and decides
// whether it may submit notifications.
type OriginPolicy struct {
	allowed        prefixSet
	trustedProxies prefixSet
	trustXFF       bool
	logger         *slog.Logger
}

// NewOriginPolicy builds a policy. Unparseable entries are logged and skipped.
func NewOriginPolicy(allowed, trustedProxies []string, trustXFF bool, logger *slog.Logger) *OriginPolicy {
	return &OriginPolicy{
		allowed:        newPrefixSet(allowed, logger, "WEBHOOK_ALLOWED_IPS"),
		trustedProxies: newPrefixSet(trustedProxies, logger, "WEBHOOK_TRUSTED_PROXIES"),
		trustXFF:       trustXFF,
		logger:         logger,
	}
}

// ResolveClientIP returns the caller address. X-Forwarded-For is honoured only
// when trust is enabled and the direct peer is a trusted proxy; its first hop
// is used then.
func (p *OriginPolicy) ResolveClientIP(remoteAddr, forwardedFor string) string {
	peer := hostOnly(remoteAddr)
	forwardedFor = strings.TrimSpace(forwardedFor)
	if forwardedFor == "" {
		return peer
	}

	peerAddr, err := netip.ParseAddr(peer)
	if !p.trustXFF || err != nil || !p.trustedProxies.contains(peerAddr) {
		p.logger.Warn("ignoring X-Forwarded-For from untrusted peer",
			"remote_addr", peer,
			"x_forwarded_for", forwardedFor,
			"trust_xff", p.trustXFF,
		)
		return peer
	}

	first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	if _, err := netip.ParseAddr(first); err != nil {
		p.logger.Warn("invalid X-Forwarded-For first hop; using peer address", "x_forwarded_for", forwardedFor)
		return peer
	}
	return first
}

// Allowed reports whether ip falls inside the allow-list.
func (p *OriginPolicy) Allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return p.allowed.contains(addr)
}

func hostOnly(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}
