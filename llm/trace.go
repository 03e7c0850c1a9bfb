package llm

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"time"
)

// Metrics breaks one generation request into its network phases, so a
// slow model can be told apart from a slow connection. Total spans the
// whole exchange including tool rounds.
type Metrics struct {
	DNS        time.Duration
	TLS        time.Duration
	TTFB       time.Duration
	Total      time.Duration
	ConnReused bool
}

// traceContext installs an httptrace hook set on ctx and returns the
// Metrics it fills in. The caller closes out Total itself.
func traceContext(ctx context.Context) (context.Context, *Metrics) {
	m := &Metrics{}
	var dnsStart, tlsStart, wroteRequest time.Time

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			m.ConnReused = info.Reused
		},
		DNSStart: func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:  func(_ httptrace.DNSDoneInfo) { m.DNS = time.Since(dnsStart) },
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			m.TLS = time.Since(tlsStart)
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() {
			m.TTFB = time.Since(wroteRequest)
		},
	}
	return httptrace.WithClientTrace(ctx, trace), m
}
