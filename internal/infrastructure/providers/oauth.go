package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/shared/apperr"
)

const maxResponseBytes = 10 << 20

// OAuth error codes that mean the grant itself is unusable.
var authErrorCodes = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_token":       {},
	"unauthorized_client": {},
	"access_denied":       {},
	"invalid_client":      {},
}

// Codes providers use when the account behind a valid grant is unavailable.
var accountErrorCodes = map[string]struct{}{
	"account_access_error":    {},
	"account_inactive":        {},
	"account_suspended":       {},
	"institution_unavailable": {},
}

// oauthClient is the OAuth plumbing shared by every provider.
type oauthClient struct {
	name       string
	endpoint   Endpoint
	httpClient *http.Client
}

func (c *oauthClient) config(creds connection.ClientCredentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ID,
		ClientSecret: creds.Secret,
		RedirectURL:  redirectURI,
		Scopes:       c.endpoint.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoint.AuthURL,
			TokenURL:  c.endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// withClient makes x/oauth2 use the provider's timed, traced client.
func (c *oauthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *oauthClient) AuthCodeURL(creds connection.ClientCredentials, state, redirectURI string) string {
	return c.config(creds, redirectURI).AuthCodeURL(state)
}

func (c *oauthClient) exchange(ctx context.Context, creds connection.ClientCredentials, code, redirectURI string) (*oauth2.Token, error) {
	tok, err := c.config(creds, redirectURI).Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, classifyOAuthError(c.name, err)
	}
	return tok, nil
}

func (c *oauthClient) refresh(ctx context.Context, creds connection.ClientCredentials, refreshToken string) (*oauth2.Token, error) {
	src := c.config(creds, "").TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(c.name, err)
	}
	return tok, nil
}

func toToken(tok *oauth2.Token) *connection.Token {
	t := &connection.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		t.ExpiresAt = &expiry
	}
	return t
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

// classifyOAuthError maps token endpoint failures to error kinds by the
// OAuth error code in the response.
func classifyOAuthError(provider string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return apperr.Transport(apperr.KindProvider, provider, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	code := re.ErrorCode
	if code == "" {
		code = errorCode(re.Body)
	}

	kind := apperr.KindProvider
	if _, ok := authErrorCodes[code]; ok {
		kind = apperr.KindAuth
	} else if _, ok := accountErrorCodes[code]; ok {
		kind = apperr.KindBankConnection
	}

	msg := "token request failed"
	if code != "" {
		msg = "token request failed: " + code
	}
	return apperr.Upstream(kind, provider, status, re.Body, msg)
}

// errorCode digs the error code out of the common JSON error shapes:
// {"error": "code"} and {"error": {"code": "..."}}.
func errorCode(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil {
		if nested.Error.Code != "" {
			return nested.Error.Code
		}
		return nested.Error.Type
	}
	return ""
}

// getJSON performs an authenticated GET against the provider API. Status
// codes map to kinds: 401 is an auth error so callers can refresh once,
// 403 and 404 mean the account is gone, everything else is fallback.
func (c *oauthClient) getJSON(ctx context.Context, accessToken, path string, query url.Values, fallback apperr.Kind) ([]byte, error) {
	u := strings.TrimRight(c.endpoint.APIBaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(fallback, c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Transport(fallback, c.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperr.Upstream(apperr.KindAuth, c.name, resp.StatusCode, body, "access token rejected")
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return nil, apperr.Upstream(apperr.KindBankConnection, c.name, resp.StatusCode, body, "account is not accessible")
	default:
		if _, ok := accountErrorCodes[errorCode(body)]; ok {
			return nil, apperr.Upstream(apperr.KindBankConnection, c.name, resp.StatusCode, body, "account is not accessible")
		}
		return nil, apperr.Upstream(fallback, c.name, resp.StatusCode, body, "request failed")
	}
}
