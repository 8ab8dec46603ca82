// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements webhook payload authentication for provider callbacks
// (message and catalog-change deliveries). It verifies the HMAC-SHA256
// signature header against the raw request body, annotates the request context
// so downstream handlers can:
//   - detect verified deliveries (IsVerifiedDelivery)
//   - bypass rate limiting for authenticated provider traffic (internal flag)
//
// Design goals:
//   - Keep transport concerns (body buffering, signature math) in middleware.
//   - Decouple secret resolution via a narrow SecretLookup function type.
//   - Remain framework-agnostic beyond Gin's context.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderSignature is the request header that providers use to convey the
// HMAC-SHA256 signature of the delivery payload, in the form
// "sha256=<hex digest>".
//
// The digest is computed over the raw request body with the app secret as key,
// so the middleware must run before anything consumes the body.
const HeaderSignature = "X-Hub-Signature-256"

// Context keys used internally to stash delivery state.
// These keys are intentionally unexported and referenced via accessor helpers.
const (
	ctxKeySigVerified = "sig.verified" // bool: true when the payload signature checked out
	ctxKeyRateBypass  = "rate.bypass"  // bool: true to skip rate limiting
)

// IsVerifiedDelivery reports whether SignatureVerifier authenticated the
// request payload against the configured app secret.
//
// Handlers should prefer this function over re-reading the header.
func IsVerifiedDelivery(c *gin.Context) bool {
	v, ok := c.Get(ctxKeySigVerified)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// SignatureOptions configures payload verification behavior for
// SignatureVerifier.
type SignatureOptions struct {
	// MaxBody caps the buffered payload size in bytes. Values <= 0 default
	// to 1 MiB, which is well above any provider delivery envelope.
	MaxBody int64
	// Strict rejects requests that carry no signature header at all. When
	// false, unsigned requests pass through unverified (handlers can still
	// consult IsVerifiedDelivery).
	Strict bool
}

// SecretLookup resolves the shared secret used to verify a delivery. It is
// invoked once per signed request; implementations typically return a static
// app secret from configuration.
//
// Return "" to disable verification for this request (the middleware becomes
// a pass-through).
type SecretLookup func(c *gin.Context) string

// SignatureVerifier verifies the X-Hub-Signature-256 header (if present)
// against the raw request body, restores the body for downstream handlers,
// and marks the context so downstream components can:
//   - detect authenticated deliveries via IsVerifiedDelivery
//   - bypass rate limiting (internal flag checked by the RL middleware)
//
// Behavior:
//   - If the lookup yields no secret: the middleware is a no-op.
//   - If the header is absent: pass through (or 401 when Strict).
//   - If the signature is malformed or does not match: responds 401 with a
//     compact error body.
//   - On success: sets verified + rate-bypass flags and invokes the next
//     handler with the body rewound.
func SignatureVerifier(opts SignatureOptions, secret SecretLookup) gin.HandlerFunc {
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return func(c *gin.Context) {
		key := ""
		if secret != nil {
			key = secret(c)
		}
		if key == "" {
			// Verification disabled; proceed.
			c.Next()
			return
		}

		sig := c.GetHeader(HeaderSignature)
		if sig == "" {
			if opts.Strict {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"request_id": c.Writer.Header().Get("X-Request-ID"),
					"code":       "missing_signature",
					"message":    "missing " + HeaderSignature + " header",
				})
				return
			}
			c.Next()
			return
		}

		want, ok := decodeSignature(sig)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "invalid_signature",
				"message":    "malformed " + HeaderSignature + " header",
			})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
		if err != nil || int64(len(body)) > maxBody {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "bad_request",
				"message":    "unable to read request body",
			})
			return
		}
		// Rewind so handlers can bind the payload as usual.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		if !hmac.Equal(mac.Sum(nil), want) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "invalid_signature",
				"message":    "payload signature mismatch",
			})
			return
		}

		c.Set(ctxKeySigVerified, true)
		c.Set(ctxKeyRateBypass, true) // authenticated provider traffic skips RL

		c.Next()
	}
}

// decodeSignature parses a "sha256=<hex>" header value into raw digest bytes.
func decodeSignature(header string) ([]byte, bool) {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return nil, false
	}
	raw, err := hex.DecodeString(header[len(prefix):])
	if err != nil || len(raw) != sha256.Size {
		return nil, false
	}
	return raw, true
}
