package exec

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPPolicy carries the blocked-ranges SSRF list and a per-host token
// bucket, grounded on the host-validation/DNS-cache shape used for SSRF
// blocking in the retrieval pack's HTTP security module.
type HTTPPolicy struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	dns      *dnsCache
}

// NewHTTPPolicy builds a policy with a per-host rate of rps requests per
// second (0 disables limiting).
func NewHTTPPolicy(rps float64, burst int) *HTTPPolicy {
	return &HTTPPolicy{
		limiters: map[string]*rate.Limiter{},
		rps:      rps,
		burst:    burst,
		dns:      newDNSCache(),
	}
}

func (p *HTTPPolicy) limiterFor(host string) *rate.Limiter {
	if p.rps <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.limiters[host] = l
	}
	return l
}

// Allow blocks until host's token bucket admits one request, bounded by
// ctx, or returns immediately if no limiting is configured.
func (p *HTTPPolicy) Allow(ctx context.Context, host string) error {
	if l := p.limiterFor(host); l != nil {
		return l.Wait(ctx)
	}
	return nil
}

// ValidateURL rejects loopback, link-local, RFC1918, IPv6 ULA/LL, and
// well-known cloud-metadata hosts before a request is sent, per §4.1's
// http-step "Notable policy". Resolution goes through p's DNS cache, so
// repeated validations of one host within the cache TTL see the same
// addresses; the request itself resolves the host again and is not pinned
// to the address that was checked.
func (p *HTTPPolicy) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("URL has no host")
	}
	if isMetadataHost(host) {
		return nil, fmt.Errorf("host %q is a blocked cloud metadata endpoint", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("host %q is a blocked address", host)
		}
		return u, nil
	}
	ips, err := p.dns.lookup(host)
	if err == nil {
		for _, ip := range ips {
			if isBlockedIP(ip) {
				return nil, fmt.Errorf("host %q resolves to blocked address %s", host, ip)
			}
		}
	}
	return u, nil
}

func isMetadataHost(host string) bool {
	switch host {
	case "169.254.169.254", "metadata.google.internal", "fd00:ec2::254":
		return true
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 169 && ip4[1] == 254 {
		return true
	}
	return false
}

// dnsCache memoizes resolve-before-validate lookups for ValidateURL. It
// does not feed the actual request's dialer.
type dnsCache struct {
	mu      sync.Mutex
	entries map[string]dnsCacheEntry
	ttl     time.Duration
}

type dnsCacheEntry struct {
	ips       []net.IP
	expiresAt time.Time
}

func newDNSCache() *dnsCache {
	return &dnsCache{entries: map[string]dnsCacheEntry{}, ttl: 30 * time.Second}
}

func (c *dnsCache) lookup(host string) ([]net.IP, error) {
	c.mu.Lock()
	if e, ok := c.entries[host]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.ips, nil
	}
	c.mu.Unlock()
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[host] = dnsCacheEntry{ips: ips, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return ips, nil
}

// injectionPatterns are common shell-injection shapes the shell-safety
// advisory scans for. Matches are logged as warnings; execution proceeds
// regardless, per §6.4.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\|\s*sh\b`),
	regexp.MustCompile(`\|\s*bash\b`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`rm\s+-rf\s+/`),
}

// ScanShellInjection returns a warning for every injection-pattern match
// found in command. Execution is never blocked by this scan.
func ScanShellInjection(command string) []string {
	var warnings []string
	for _, re := range injectionPatterns {
		if re.MatchString(command) {
			warnings = append(warnings, fmt.Sprintf("command matches common injection pattern: %s", re.String()))
		}
	}
	return warnings
}
