package proxy

import (
	"net"
	"net/http"
	"time"
)

// NewTransport returns the upstream transport with connection pooling.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// hopHeaders are consumed by a single connection and never forwarded
// (RFC 7230 §6.1), in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips hop-by-hop headers, including any named by the
// Connection header itself.
func removeHopHeaders(header http.Header) {
	for _, name := range header.Values("Connection") {
		header.Del(name)
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// copyHeaders copies src into dst, filtering hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}
