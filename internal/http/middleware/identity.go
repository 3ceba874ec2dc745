// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the identity glue between the (external) authentication
// layer and the credit ledger. Identity resolution itself happens upstream:
// an authenticated caller arrives with a stable user id, an anonymous caller
// with (or without) a guest session id. This middleware only normalizes both
// into a (principalID, isGuest) pair in the Gin context so that handlers and
// the rate limiter share one view of who is asking.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderUserID carries the stable identifier of a registered user,
	// as resolved by the upstream authentication layer.
	HeaderUserID = "X-User-ID"
	// HeaderGuestID carries a per-session guest identifier. Clients should
	// echo the value returned on their first response to keep one quota.
	HeaderGuestID = "X-Guest-ID"

	// principalIDKey / isGuestKey are the Gin context keys set by Identity.
	principalIDKey = "principalID"
	isGuestKey     = "isGuest"
)

// Identity resolves the request's principal.
//
// Precedence: a registered user id wins over a guest id; a request with
// neither is assigned a fresh guest id, which is echoed back via the
// X-Guest-ID response header so the client can keep its session (and its
// remaining credits) across calls.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
			c.Set(principalIDKey, uid)
			c.Set(isGuestKey, false)
			c.Next()
			return
		}

		gid := strings.TrimSpace(c.GetHeader(HeaderGuestID))
		if gid == "" {
			gid = "guest-" + uuid.NewString()
		}
		c.Set(principalIDKey, gid)
		c.Set(isGuestKey, true)
		c.Writer.Header().Set(HeaderGuestID, gid)
		c.Next()
	}
}

// PrincipalFrom returns the resolved principal id, or "" when Identity did
// not run for this request.
func PrincipalFrom(c *gin.Context) string {
	if v, ok := c.Get(principalIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsGuestFrom reports whether the resolved principal is a guest session.
// Defaults to true when Identity did not run, which is the conservative
// (smaller-allocation) choice.
func IsGuestFrom(c *gin.Context) bool {
	if v, ok := c.Get(isGuestKey); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return true
}
