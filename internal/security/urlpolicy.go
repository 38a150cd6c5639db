package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrPrivateIP     = errors.New("URL resolves to private IP address")
	ErrUntrustedHost = errors.New("URL host is not trusted")
	ErrInvalidScheme = errors.New("only HTTPS URLs are allowed")

	// DefaultImageHosts are trusted in strict mode: Telegram file downloads
	// and the common public image hosts.
	DefaultImageHosts = []string{
		"api.telegram.org",
		"upload.wikimedia.org",
		"images.unsplash.com",
		"i.imgur.com",
	}

	skipValidation = false
)

// SetSkipValidation disables URL checks; tests that talk to httptest servers
// need it.
func SetSkipValidation(skip bool) {
	skipValidation = skip
}

// URLPolicy decides which remote image URLs may be fetched.
type URLPolicy struct {
	// Strict limits downloads to AllowedHosts and their subdomains.
	Strict       bool
	AllowedHosts []string
	// LookupIP resolves host names; nil uses the default resolver.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

func NewURLPolicy(strict bool) *URLPolicy {
	return &URLPolicy{Strict: strict, AllowedHosts: DefaultImageHosts}
}

// Validate rejects non-HTTPS URLs, untrusted hosts in strict mode and hosts
// that resolve to private, loopback or reserved addresses.
func (p *URLPolicy) Validate(ctx context.Context, rawURL string) error {
	if skipValidation {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return ErrInvalidScheme
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("invalid URL: missing host")
	}

	if p.Strict && !p.isAllowedHost(host) {
		return ErrUntrustedHost
	}

	return p.validateHostIP(ctx, host)
}

func (p *URLPolicy) isAllowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range p.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (p *URLPolicy) validateHostIP(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return ErrPrivateIP
	}

	lookup := p.LookupIP
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}

	ips, err := lookup(ctx, host)
	if err != nil {
		// Unresolvable hosts fail later at download time.
		return nil
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}

	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0: // 0.0.0.0/8
			return true
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // 100.64.0.0/10 (CGNAT)
			return true
		case ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0: // 192.0.0.0/24
			return true
		case ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 2: // TEST-NET-1
			return true
		case ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100: // TEST-NET-2
			return true
		case ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113: // TEST-NET-3
			return true
		case ip4[0] >= 240: // reserved
			return true
		}
	}

	return false
}
