// Package identity derives a stable pseudo-identity for unauthenticated
// callers from network and client metadata. The key is used to meter daily
// free-tier usage; it is a heuristic, not a security boundary.
package identity

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"time"
)

// addressHeaders is the fixed priority list consulted after the forwarded
// chain. Left-most public entry wins.
var addressHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// Resolve produces a principal key for an unauthenticated request. The key
// is stable for the same physical client across repeated calls and degrades
// gracefully: a usable public address wins, otherwise a client fingerprint
// bucketed by hour so keys rotate naturally.
//
// Resolve is a pure function of the request metadata and the clock; it
// never fails.
func Resolve(r *http.Request) string {
	return ResolveAt(r, time.Now().UTC())
}

// ResolveAt is Resolve with an explicit clock, for tests.
func ResolveAt(r *http.Request, now time.Time) string {
	if ip := clientIP(r); ip != "" {
		return "ip:" + ip
	}
	return "fp:" + fingerprint(r, now)
}

// clientIP returns the best public client address, or "" when none of the
// candidate headers or the remote address yields one.
func clientIP(r *http.Request) string {
	// Forwarded chain first: left-most entry that is not private/loopback.
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ",") {
			if ip := publicIP(strings.TrimSpace(part)); ip != "" {
				return ip
			}
		}
	}

	for _, header := range addressHeaders {
		if ip := publicIP(strings.TrimSpace(r.Header.Get(header))); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return publicIP(host)
}

// publicIP returns candidate if it parses as a public unicast address.
func publicIP(candidate string) string {
	ip := net.ParseIP(candidate)
	if ip == nil {
		return ""
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return ""
	}
	return ip.String()
}

// fingerprint hashes client metadata with FNV-1a and combines it with the
// current hour bucket so the derived key expires within the hour.
func fingerprint(r *http.Request, now time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(r.UserAgent()))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Accept-Language")))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Accept-Encoding")))

	bucket := now.Truncate(time.Hour).Unix()
	return fmt.Sprintf("%x-%d", h.Sum64(), bucket)
}
