// Package auth obtains and refreshes bearer tokens against a provider's
// identity endpoint, caching them per resource descriptor.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

// apiKeyGrantType is the OAuth grant used by the identity endpoint.
const apiKeyGrantType = "urn:ibm:params:oauth:grant-type:apikey"

// refreshMargin is how long before expiry a cached token is considered
// stale, so in-flight requests never carry a token about to lapse.
const refreshMargin = 60 * time.Second

// defaultTokenLifetime is assumed when the identity response carries no
// expiry and the token itself has no exp claim.
const defaultTokenLifetime = 10 * time.Minute

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Manager caches one bearer token per descriptor and refreshes it
// synchronously when it is within the safety margin of expiry. Concurrent
// callers for the same descriptor observe at most one in-flight refresh;
// latecomers wait for and reuse its result. Refresh failures are not
// retried here: an AuthError surfaces to the caller, who decides.
type Manager struct {
	httpClient *http.Client
	clk        clock.Clock

	mu    sync.Mutex
	cache map[string]cachedToken
	group singleflight.Group
}

// NewManager returns a Manager using the given HTTP client, or a
// 30s-timeout default client when nil.
func NewManager(httpClient *http.Client, clk clock.Clock) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		httpClient: httpClient,
		clk:        clk,
		cache:      make(map[string]cachedToken),
	}
}

// Token returns a bearer token for the descriptor, refreshing the cache
// entry if it is absent or stale. Descriptors configured with a static
// token never hit the identity endpoint.
func (m *Manager) Token(ctx context.Context, desc *config.Descriptor) (string, error) {
	if desc.AuthToken != "" {
		return desc.AuthToken, nil
	}

	m.mu.Lock()
	cached, ok := m.cache[desc.Name]
	m.mu.Unlock()
	if ok && m.clk.Now().Add(refreshMargin).Before(cached.expiresAt) {
		return cached.value, nil
	}

	// Single-flight per descriptor: the first caller refreshes, the rest
	// wait for its result instead of issuing duplicate refreshes.
	v, err, _ := m.group.Do(desc.Name, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have refreshed
		// between our cache miss and the flight starting.
		m.mu.Lock()
		cached, ok := m.cache[desc.Name]
		m.mu.Unlock()
		if ok && m.clk.Now().Add(refreshMargin).Before(cached.expiresAt) {
			return cached.value, nil
		}

		tok, err := m.fetch(ctx, desc)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[desc.Name] = tok
		m.mu.Unlock()
		log.L().Debug("refreshed bearer token",
			zap.String("resource", desc.Name),
			zap.Time("expires_at", tok.expiresAt))
		return tok.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for a descriptor, forcing the next
// Token call to re-authenticate.
func (m *Manager) Invalidate(desc *config.Descriptor) {
	m.mu.Lock()
	delete(m.cache, desc.Name)
	m.mu.Unlock()
}

// tokenResponse is the identity endpoint response shape.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

// fetch performs one authentication round-trip.
func (m *Manager) fetch(ctx context.Context, desc *config.Descriptor) (cachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", apiKeyGrantType)
	form.Set("apikey", desc.APIKey)

	endpoint := fmt.Sprintf("%s/identity/token", desc.IAMEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, qerrors.Wrap(qerrors.ErrAuthFailed, err, desc.IAMEndpoint)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, qerrors.Wrap(qerrors.ErrAuthFailed, err, desc.IAMEndpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachedToken{}, qerrors.Wrap(qerrors.ErrAuthFailed, err, desc.IAMEndpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, qerrors.ErrAuthFailed.GenWithStack(
			"authentication against %s failed: status=%d body=%s",
			desc.IAMEndpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return cachedToken{}, qerrors.Wrap(qerrors.ErrAuthTokenInvalid, err)
	}
	if tr.AccessToken == "" {
		return cachedToken{}, qerrors.ErrAuthTokenInvalid.GenWithStackByArgs()
	}

	return cachedToken{
		value:     tr.AccessToken,
		expiresAt: m.expiry(tr),
	}, nil
}

// expiry derives the token lifetime: explicit response fields first, then
// the token's own exp claim, then a conservative default.
func (m *Manager) expiry(tr tokenResponse) time.Time {
	now := m.clk.Now()
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Expiration > 0 {
		return time.Unix(tr.Expiration, 0)
	}
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	return now.Add(defaultTokenLifetime)
}

// jwtExpiry extracts the exp claim without verifying the signature; the
// token was just received over TLS from the issuer, and only the lifetime
// matters here.
func jwtExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
