package fetcher

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrUnsafeScheme is returned for anything but http and https.
	ErrUnsafeScheme = errors.New("fetcher: only http and https URLs are fetched")
	// ErrPrivateAddress is returned when a connection would reach a
	// loopback, link-local or private address.
	ErrPrivateAddress = errors.New("fetcher: refusing to connect to a private address")
)

// checkURL rejects non-HTTP schemes and URLs without a host.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("fetcher: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("fetcher: URL has no host")
	}
	return nil
}

// publicOnly is a net.Dialer Control hook. It runs after name resolution,
// so a public hostname that resolves to an internal address is caught too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("fetcher: dial %s: %w", address, err)
	}
	if isPrivate(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ap.Addr())
	}
	return nil
}

func isPrivate(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsUnspecified()
}

// safeClient is the default client: bounded time, bounded redirects, and
// a dialer that only reaches public addresses.
func safeClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: publicOnly}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = nil
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("fetcher: too many redirects")
			}
			return checkURL(req.URL.String())
		},
	}
}
