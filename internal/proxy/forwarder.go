package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// hopByHopHeaders are HTTP headers that must not be forwarded through a
// proxy. These are connection-specific and only relevant for the single hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forwardRequest sends the request to the upstream provider and returns
// the raw response. The caller is responsible for reading and closing the
// response body.
//
// Method, path, and query pass through; Host is rewritten to the upstream
// and Content-Length recomputed from the buffered body.
func forwardRequest(client *http.Client, upstream *url.URL, r *http.Request, body []byte) (*http.Response, error) {
	target := *upstream
	target.Path = strings.TrimSuffix(upstream.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	upstreamReq, err := http.NewRequestWithContext(
		r.Context(),
		r.Method,
		target.String(),
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	copyRequestHeaders(upstreamReq.Header, r.Header)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", target.String(), err)
	}

	return resp, nil
}

// copyRequestHeaders copies headers from src to dst, skipping hop-by-hop
// headers, Host (set by the client from the upstream URL), and
// Content-Length (recomputed from the buffered body).
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies response headers from the upstream response
// to the client response writer, skipping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
