// Package agent manages agent identity and liveness tracking.
//
// Agents are auto-discovered when their first request passes through the
// proxy. Identity is derived from the request, in order of preference:
//
//  1. The X-Sentinel-Agent header, set by a cooperating client.
//  2. metadata.user_id in the request body (the SDK's stable caller id;
//     a "_session_" suffix, when present, also yields the session id).
//  3. The client IP plus a stable hash of selected request headers.
//
// The registry persists agents through the store and answers liveness
// queries: an agent with no activity past the idle threshold reports as
// inactive.
package agent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
)

// Request headers a cooperating client may set.
const (
	IdentityHeader   = "X-Sentinel-Agent"
	SessionHeader    = "X-Sentinel-Session"
	WorkingDirHeader = "X-Sentinel-Cwd"
)

// fingerprintHeaders are the headers folded into the fallback identity
// hash. Chosen for stability across requests from one client process.
var fingerprintHeaders = []string{"User-Agent", "Anthropic-Version", "X-App"}

// Identity is what the proxy could determine about the caller.
type Identity struct {
	Name             string
	SessionID        string
	WorkingDirectory string
}

// Identify derives the caller's identity from the request and its already
// read body. Never fails: the IP+header fingerprint always produces a name.
func Identify(r *http.Request, body []byte) Identity {
	id := Identity{
		SessionID:        r.Header.Get(SessionHeader),
		WorkingDirectory: r.Header.Get(WorkingDirHeader),
	}

	if name := r.Header.Get(IdentityHeader); name != "" {
		id.Name = name
		if id.SessionID == "" {
			id.SessionID = sessionFromBody(body)
		}
		return id
	}

	if userID := metadataUserID(body); userID != "" {
		id.Name = userID
		if id.SessionID == "" {
			id.SessionID = sessionSuffix(userID)
		}
		return id
	}

	id.Name = fingerprint(r)
	return id
}

// metadataUserID pulls metadata.user_id from the request body, best-effort.
func metadataUserID(body []byte) string {
	var req struct {
		Metadata struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Metadata.UserID
}

// sessionFromBody derives a session id from metadata.user_id when the
// identity itself came from a header.
func sessionFromBody(body []byte) string {
	return sessionSuffix(metadataUserID(body))
}

// sessionSuffix extracts the session component from user ids of the form
// "user_<id>_account_<id>_session_<id>".
func sessionSuffix(userID string) string {
	_, after, found := strings.Cut(userID, "_session_")
	if !found || after == "" {
		return ""
	}
	return after
}

// fingerprint builds the fallback identity: client IP plus an FNV hash of
// the fingerprint headers. Stable for one client process, cheap to compute
// on every request.
func fingerprint(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	h := fnv.New32a()
	for _, name := range fingerprintHeaders {
		h.Write([]byte(r.Header.Get(name)))
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%s-%08x", ip, h.Sum32())
}
