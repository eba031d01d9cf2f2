package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Field length limits for inbound call payloads. These prevent a single
// oversized field from exhausting the NL→SQL pipeline or filling audit/cost
// sinks with caller-controlled garbage.
const (
	MaxNLTextLen  = 8 * 1024  // 8 KB
	MaxSQLTextLen = 64 * 1024 // 64 KB
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURI.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURI ensures a custom AI provider endpoint is a safe,
// publicly-routable http/https URL, unless allowPrivate is set — air-gapped
// mode registers "custom" providers pointed at a private endpoint, so the
// caller passes allowPrivate=true only after confirming air-gapped policy
// admits the registration.
func ValidateSourceURI(rawURI string, allowPrivate bool) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("endpoint must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint must include a host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("endpoint must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("endpoint must not point to a private or loopback address")
			}
		}
	}
	return nil
}
