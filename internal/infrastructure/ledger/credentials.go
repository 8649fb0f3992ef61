package ledger

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/infrastructure/config"
)

// Credential authorizes requests against the ledger API. Implementations are
// constructed without side effects; any token exchange happens lazily on the
// first authorized request.
type Credential interface {
	// Authorize attaches authentication to the outgoing request
	Authorize(ctx context.Context, req *http.Request) error
	// CanWrite reports whether this credential is allowed to mutate the ledger
	CanWrite() bool
	// Name identifies the strategy in logs and errors
	Name() string
}

// expirySkew renews tokens slightly before their server-side expiry
const expirySkew = 60 * time.Second

// NewCredential selects a credential strategy from configuration. The order is
// fixed: delegated identity, then stored user authorization, then shared
// secret. A strategy whose settings are absent is skipped silently; one whose
// settings are present but unusable (malformed key, missing token) falls
// through to the next strategy. Only when no strategy constructs does the
// first such error surface.
func NewCredential(cfg *config.LedgerConfig) (Credential, error) {
	factories := []func(*config.LedgerConfig) (Credential, error){
		newDelegatedIdentity,
		newUserAuthorized,
		newSharedSecret,
	}

	var firstErr error
	for _, factory := range factories {
		cred, err := factory(cfg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if cred != nil {
			return cred, nil
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, shared.NewConfigurationError("no ledger authentication configured")
}

// delegatedIdentity exchanges a self-issued signed assertion for a bearer
// token at the configured token endpoint.
type delegatedIdentity struct {
	email    string
	key      *rsa.PrivateKey
	tokenURL string
	client   *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newDelegatedIdentity(cfg *config.LedgerConfig) (Credential, error) {
	if cfg.ServiceAccountEmail == "" || cfg.PrivateKeyPEM == "" {
		return nil, nil
	}
	if cfg.TokenURL == "" {
		return nil, shared.NewConfigurationError("ledger.token_url is required with a service account")
	}

	key, err := parsePrivateKey([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, shared.NewConfigurationError("ledger private key: %v", err)
	}

	return &delegatedIdentity{
		email:    cfg.ServiceAccountEmail,
		key:      key,
		tokenURL: cfg.TokenURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (d *delegatedIdentity) Name() string   { return "delegated-identity" }
func (d *delegatedIdentity) CanWrite() bool { return true }

func (d *delegatedIdentity) Authorize(ctx context.Context, req *http.Request) error {
	token, err := d.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (d *delegatedIdentity) bearer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.token != "" && time.Now().Before(d.expires.Add(-expirySkew)) {
		return d.token, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   d.email,
		"scope": "ledger.readwrite",
		"aud":   d.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(d.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	token, ttl, err := postTokenForm(ctx, d.client, d.tokenURL, form)
	if err != nil {
		return "", err
	}
	d.token = token
	d.expires = time.Now().Add(ttl)
	return token, nil
}

// userAuthorized uses a stored token pair obtained from a one-time
// authorization done outside this process, refreshing the access token when
// it expires.
type userAuthorized struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expires      time.Time
}

func newUserAuthorized(cfg *config.LedgerConfig) (Credential, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, nil
	}
	if cfg.AccessToken == "" && cfg.RefreshToken == "" {
		// The strategy is configured but the operator never completed the
		// authorization flow; retrying cannot fix this.
		return nil, &shared.AuthorizationRequiredError{Provider: "ledger"}
	}
	return &userAuthorized{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		// Force a refresh on first use; the stored access token's age is
		// unknown.
		expires: time.Time{},
	}, nil
}

func (u *userAuthorized) Name() string   { return "user-authorized" }
func (u *userAuthorized) CanWrite() bool { return true }

func (u *userAuthorized) Authorize(ctx context.Context, req *http.Request) error {
	token, err := u.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (u *userAuthorized) bearer(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.accessToken != "" && time.Now().Before(u.expires.Add(-expirySkew)) {
		return u.accessToken, nil
	}
	if u.refreshToken == "" {
		if u.accessToken != "" {
			return u.accessToken, nil
		}
		return "", &shared.AuthorizationRequiredError{Provider: "ledger"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", u.refreshToken)
	form.Set("client_id", u.clientID)
	form.Set("client_secret", u.clientSecret)

	token, ttl, err := postTokenForm(ctx, u.client, u.tokenURL, form)
	if err != nil {
		return "", err
	}
	u.accessToken = token
	u.expires = time.Now().Add(ttl)
	return token, nil
}

// sharedSecret authenticates with a plain API key. The ledger provider treats
// key access as read-only, so this credential never allows writes.
type sharedSecret struct {
	key string
}

func newSharedSecret(cfg *config.LedgerConfig) (Credential, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	return &sharedSecret{key: cfg.APIKey}, nil
}

func (s *sharedSecret) Name() string   { return "shared-secret" }
func (s *sharedSecret) CanWrite() bool { return false }

func (s *sharedSecret) Authorize(_ context.Context, req *http.Request) error {
	q := req.URL.Query()
	q.Set("key", s.key)
	req.URL.RawQuery = q.Encode()
	return nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want RSA", parsed)
	}
	return key, nil
}

func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, &shared.ExternalServiceError{Service: "ledger-token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, &shared.ExternalServiceError{
			Service: "ledger-token",
			Err:     fmt.Errorf("token endpoint returned %d", resp.StatusCode),
		}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, &shared.ExternalServiceError{Service: "ledger-token", Err: err}
	}
	if body.AccessToken == "" {
		return "", 0, &shared.ExternalServiceError{
			Service: "ledger-token",
			Err:     fmt.Errorf("empty access_token in response"),
		}
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return body.AccessToken, ttl, nil
}
