package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// TokenIssuer is the iss claim minted and required by this server.
const TokenIssuer = "sw1nn-pkg-repo"

// Token types distinguish how a token was obtained.
const (
	TokenTypeDevice = "github_device"
	TokenTypeStatic = "static"
)

// Claims is the JWT payload. Subject carries the username checked
// against the allowlist.
type Claims struct {
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator guards mutating endpoints with bearer JWTs and runs the
// GitHub device-code exchange that hands them out. The GitHub endpoints
// are fields so tests can point them at a stub.
type Authenticator struct {
	secret    []byte
	allowlist map[string]bool
	clientID  string
	expiry    time.Duration

	deviceCodeURL string
	tokenURL      string
	userURL       string
	httpClient    *http.Client
}

func NewAuthenticator(cfg *config.Auth) *Authenticator {
	allow := make(map[string]bool, len(cfg.Allowlist))
	for _, u := range cfg.Allowlist {
		allow[u] = true
	}
	expiry := time.Duration(cfg.JWTExpirationSecs) * time.Second
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Authenticator{
		secret:        []byte(cfg.JWTSecret),
		allowlist:     allow,
		clientID:      cfg.ClientID,
		expiry:        expiry,
		deviceCodeURL: "https://github.com/login/device/code",
		tokenURL:      "https://github.com/login/oauth/access_token",
		userURL:       "https://api.github.com/user",
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// MintToken issues a signed JWT for username
func (a *Authenticator) MintToken(username, tokenType string) (string, error) {
	now := time.Now()
	claims := &Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", models.WrapError(models.ErrConfig, err, "failed to sign token")
	}
	return token, nil
}

// ValidateToken parses and verifies a bearer token. Only HS256 tokens
// from this issuer are accepted.
func (a *Authenticator) ValidateToken(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, models.WrapError(models.ErrUnauthorized, err, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, models.NewError(models.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token whose subject
// is in the allowlist.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, models.NewError(models.ErrUnauthorized, "missing bearer token"))
			return
		}
		claims, err := a.ValidateToken(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !a.allowlist[claims.Subject] {
			writeError(w, r, models.NewError(models.ErrForbidden,
				"user %s is not in the allowlist", claims.Subject))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// githubPost sends a form-encoded request with the JSON accept header
// GitHub's OAuth endpoints require.
func (a *Authenticator) githubPost(r *http.Request, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return models.WrapError(models.ErrIo, err, "failed to build auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.WrapError(models.ErrIo, err, "auth provider unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.NewError(models.ErrIo, "auth provider returned status %d", resp.StatusCode)
	}
	if err := decodeJSONBody(resp.Body, out); err != nil {
		return models.WrapError(models.ErrIo, err, "invalid auth provider response")
	}
	return nil
}

// handleDeviceCode opens a device authorization session with GitHub and
// relays the verification details to the client.
func (a *Authenticator) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if a.clientID == "" {
		writeError(w, r, models.NewError(models.ErrConfig, "device flow not configured"))
		return
	}
	var res deviceCodeResponse
	form := url.Values{"client_id": {a.clientID}, "scope": {"read:user"}}
	if err := a.githubPost(r, a.deviceCodeURL, form, &res); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deviceTokenRequest struct {
	DeviceCode string `json:"device_code"`
}

type deviceTokenResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleDeviceToken polls GitHub once for the outcome of a device
// authorization. While the user has not approved yet the client gets a
// 202 and should poll again.
func (a *Authenticator) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceCode == "" {
		writeError(w, r, models.NewError(models.ErrInvalidPackage, "missing device_code"))
		return
	}

	var res accessTokenResponse
	form := url.Values{
		"client_id":   {a.clientID},
		"device_code": {req.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	if err := a.githubPost(r, a.tokenURL, form, &res); err != nil {
		writeError(w, r, err)
		return
	}
	switch res.Error {
	case "":
	case "authorization_pending", "slow_down":
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	default:
		writeError(w, r, models.NewError(models.ErrUnauthorized,
			"device authorization failed: %s", res.Error))
		return
	}

	username, err := a.fetchGitHubLogin(r, res.AccessToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !a.allowlist[username] {
		writeError(w, r, models.NewError(models.ErrForbidden,
			"user %s is not in the allowlist", username))
		return
	}
	token, err := a.MintToken(username, TokenTypeDevice)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logrus.WithField("username", username).Info("Issued device flow token")
	writeJSON(w, http.StatusOK, deviceTokenResponse{
		Token:     token,
		Username:  username,
		ExpiresIn: int64(a.expiry.Seconds()),
	})
}

// fetchGitHubLogin resolves the login of the user an access token
// belongs to.
func (a *Authenticator) fetchGitHubLogin(r *http.Request, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.userURL, nil)
	if err != nil {
		return "", models.WrapError(models.ErrIo, err, "failed to build user request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", models.WrapError(models.ErrIo, err, "auth provider unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", models.NewError(models.ErrUnauthorized, "could not resolve user")
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := decodeJSONBody(resp.Body, &user); err != nil {
		return "", models.WrapError(models.ErrIo, err, "invalid auth provider response")
	}
	if user.Login == "" {
		return "", models.NewError(models.ErrUnauthorized, "could not resolve user")
	}
	return user.Login, nil
}
