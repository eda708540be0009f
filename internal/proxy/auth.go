package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/pkg/apierr"
)

// caller is the authenticated identity attached to one request.
type caller struct {
	User             core.User
	KeyID            string
	AllowedProviders []string
}

// extractToken pulls the gateway API key from the request. OpenAI-style
// clients send "Authorization: Bearer sk-...", Anthropic-style clients send
// "x-api-key".
func extractToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
}

// authenticate resolves the caller key hash against the catalog and writes a
// 401 itself on failure. Keys are stored hashed; the plaintext never leaves
// this function.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*caller, bool) {
	token := extractToken(ctx)
	if token == "" {
		apierr.WriteUnauthenticated(ctx, "")
		return nil, false
	}

	sum := sha256.Sum256([]byte(token))
	rec, user, err := g.store.GetCallerKeyByHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil || rec == nil || user == nil {
		apierr.WriteUnauthenticated(ctx, "")
		return nil, false
	}

	key := core.CallerKey{
		ID:               rec.ID,
		UserID:           rec.UserID,
		Active:           rec.Active,
		AllowedProviders: rec.AllowedProviders,
	}
	if rec.ExpiresAt != nil {
		key.ExpiresAt = *rec.ExpiresAt
	}
	if !key.Usable(time.Now()) {
		apierr.WriteUnauthenticated(ctx, "API key is disabled or expired")
		return nil, false
	}

	return &caller{
		User:             core.User{ID: user.ID, Superuser: user.Superuser},
		KeyID:            rec.ID,
		AllowedProviders: rec.AllowedProviders,
	}, true
}
