package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Some OAuth frontends fingerprint the TLS ClientHello and throttle clients
// that do not look like a browser. When camouflage is enabled, refresh-grant
// traffic to the token endpoint is sent with a Chrome-like hello; everything
// else uses the standard transport.

type camouflageConn struct{ *utls.UConn }

func (c *camouflageConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

type camouflageDialer struct {
	dialer *net.Dialer
}

func (d *camouflageDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(host, "443")
	}

	rawConn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	uConn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := uConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return &camouflageConn{UConn: uConn}, nil
}

func newCamouflageTransport() *http.Transport {
	d := &camouflageDialer{
		dialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DialTLSContext:      d.DialTLSContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 4,
		// The Chrome hello negotiates ALPN internally; keep the Go side on
		// HTTP/1.1 so the two layers agree.
		ForceAttemptHTTP2: false,
	}
}

// tokenEndpointTransport returns the round tripper for refresh-grant calls:
// camouflaged for the token-endpoint host when enabled, else the shared
// standard transport.
func tokenEndpointTransport(standard http.RoundTripper, tokenURL string, enabled bool) http.RoundTripper {
	if !enabled {
		return standard
	}
	u, err := url.Parse(tokenURL)
	if err != nil {
		return standard
	}
	return &hostSplitTransport{
		host:     strings.ToLower(u.Hostname()),
		matched:  newCamouflageTransport(),
		fallback: standard,
	}
}

// hostSplitTransport routes requests for one host through a dedicated
// transport and everything else through the fallback.
type hostSplitTransport struct {
	host     string
	matched  http.RoundTripper
	fallback http.RoundTripper
}

func (t *hostSplitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Hostname(), t.host) {
		return t.matched.RoundTrip(req)
	}
	return t.fallback.RoundTrip(req)
}

var _ http.RoundTripper = (*hostSplitTransport)(nil)
