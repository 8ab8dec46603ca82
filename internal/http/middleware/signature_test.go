package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// signBody mirrors the provider-side signature computation.
func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRouter(opts SignatureOptions, secret string) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seenBody string
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(SignatureVerifier(opts, func(*gin.Context) string { return secret }))
	r.POST("/hook", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seenBody = string(b)
		if IsVerifiedDelivery(c) {
			c.String(http.StatusOK, "verified")
			return
		}
		c.String(http.StatusOK, "unverified")
	})
	return r, &seenBody
}

func TestSignatureVerifier_ValidSignature(t *testing.T) {
	const secret = "app-secret"
	const body = `{"entry":[{"id":"1"}]}`

	r, seen := signedRouter(SignatureOptions{}, secret)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set(HeaderSignature, signBody(secret, body))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "verified" {
		t.Fatalf("expected verified 200, got %d %q", w.Code, w.Body.String())
	}
	// Body must be rewound for the handler after verification.
	if *seen != body {
		t.Fatalf("handler saw body %q, want %q", *seen, body)
	}
}

func TestSignatureVerifier_Mismatch(t *testing.T) {
	r, _ := signedRouter(SignatureOptions{}, "app-secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	req.Header.Set(HeaderSignature, signBody("wrong-secret", `{}`))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp["code"] != "invalid_signature" {
		t.Fatalf("unexpected error body: %v", resp)
	}
	if resp["request_id"] != "rid-1" {
		t.Fatalf("expected request id to be echoed, got %v", resp["request_id"])
	}
}

func TestSignatureVerifier_MalformedHeader(t *testing.T) {
	r, _ := signedRouter(SignatureOptions{}, "app-secret")

	for _, sig := range []string{"sha1=abc", "sha256=zznothex", "sha256=abcd"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
		req.Header.Set(HeaderSignature, sig)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("sig %q: expected 401, got %d", sig, w.Code)
		}
	}
}

func TestSignatureVerifier_MissingHeader(t *testing.T) {
	// Lenient mode: unsigned requests pass through unverified.
	r, _ := signedRouter(SignatureOptions{}, "app-secret")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "unverified" {
		t.Fatalf("expected unverified pass-through, got %d %q", w.Code, w.Body.String())
	}

	// Strict mode: unsigned requests are rejected.
	rs, _ := signedRouter(SignatureOptions{Strict: true}, "app-secret")
	ws := httptest.NewRecorder()
	reqs := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	rs.ServeHTTP(ws, reqs)
	if ws.Code != http.StatusUnauthorized {
		t.Fatalf("strict mode: expected 401, got %d", ws.Code)
	}
}

func TestSignatureVerifier_NoSecretIsNoop(t *testing.T) {
	r, _ := signedRouter(SignatureOptions{}, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	req.Header.Set(HeaderSignature, "sha256=completely-ignored")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "unverified" {
		t.Fatalf("expected noop pass-through, got %d %q", w.Code, w.Body.String())
	}
}

func TestSignatureVerifier_SetsRateBypass(t *testing.T) {
	const secret = "app-secret"
	const body = `{"ping":true}`

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SignatureVerifier(SignatureOptions{}, func(*gin.Context) string { return secret }))
	var bypass bool
	r.POST("/hook", func(c *gin.Context) {
		bypass = IsRateBypass(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set(HeaderSignature, signBody(secret, body))
	r.ServeHTTP(w, req)

	if !bypass {
		t.Fatalf("expected verified delivery to carry rate-limit bypass")
	}
}

func TestSignatureVerifier_BodyTooLarge(t *testing.T) {
	const secret = "app-secret"
	big := strings.Repeat("x", 64)

	r, _ := signedRouter(SignatureOptions{MaxBody: 32}, secret)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(big))
	req.Header.Set(HeaderSignature, signBody(secret, big))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", w.Code)
	}
}
