package gateway

import "net/http"

// AuthRequest is the context passed to an AuthFunc before a connection is
// registered.
type AuthRequest struct {
	Method    string
	URI       string
	Header    http.Header
	ChannelID string
	ClientIP  string
}

// BearerToken extracts the token from an `Authorization: Bearer <token>`
// header, if present.
func (r AuthRequest) BearerToken() string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// AuthDecision is the result of an AuthFunc: either Allow (Denied == false)
// or a denial carrying the status and body to write back verbatim.
type AuthDecision struct {
	Denied bool
	Status int
	Body   string
}

// Allow permits the connection.
func Allow() AuthDecision { return AuthDecision{} }

// Deny denies the connection with the given status and body.
func Deny(status int, body string) AuthDecision {
	return AuthDecision{Denied: true, Status: status, Body: body}
}

// AuthFunc authenticates/authorizes an SSE connection attempt before
// Registry.Register is called. Returning a denial skips registration
// entirely.
type AuthFunc func(AuthRequest) AuthDecision

// clientIPFrom resolves the client IP from X-Forwarded-For if present (first
// entry), else falls back to the request's peer address.
func clientIPFrom(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return trimSpace(xff[:i])
			}
		}
		return trimSpace(xff)
	}
	return r.RemoteAddr
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
