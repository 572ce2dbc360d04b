package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when a fetch would connect to a loopback,
// private, link-local or otherwise non-public address.
var ErrPrivateAddress = errors.New("crawler: refusing to connect to non-public address")

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598).
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// checkAddress is a [net.Dialer] Control function. It runs after name
// resolution, so it also covers redirects and hosts that resolve to private
// addresses.
func checkAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	ip = ip.Unmap()
	if !ip.IsGlobalUnicast() || ip.IsPrivate() || sharedAddressSpace.Contains(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

// newHTTPClient returns the crawler's default client. Unless allowPrivate is
// set, connections to non-public addresses are refused and proxies from the
// environment are ignored.
func newHTTPClient(allowPrivate bool) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		t.Proxy = nil
		t.DialContext = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   checkAddress,
		}).DialContext
	}
	return &http.Client{Timeout: 20 * time.Second, Transport: t}
}
