package spotify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/xeptore/quefi/config"
	"github.com/xeptore/quefi/httputil"
)

const tokenExpiryMargin = time.Minute

var (
	ErrMissingClientCredentials = errors.New("spotify client id and secret are not configured")
	ErrInvalidClientCredentials = errors.New("spotify rejected client credentials")
)

type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

func (c *Credentials) valid(now time.Time) bool {
	return nil != c && len(c.Token) > 0 && now.Add(tokenExpiryMargin).Before(c.ExpiresAt)
}

type Auth struct {
	clientID     string
	clientSecret string
	accountsURL  string
	timeout      time.Duration
	client       *http.Client
	credsFile    CredsFile
	refreshMux   sync.Mutex
	credentials  atomic.Pointer[Credentials]
}

// NewAuth prefers client credentials from the environment and falls back to
// the ones stored by the login command.
func NewAuth(conf config.Spotify, client *http.Client) (*Auth, error) {
	credsFile := CredsFile(conf.CredsFile)
	content, err := credsFile.Read()
	if nil != err && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	a := &Auth{
		clientID:     conf.ClientID,
		clientSecret: conf.ClientSecret,
		accountsURL:  conf.AccountsURL,
		timeout:      time.Duration(conf.Timeouts.GetToken) * time.Second,
		client:       client,
		credsFile:    credsFile,
		refreshMux:   sync.Mutex{},
		credentials:  atomic.Pointer[Credentials]{},
	}

	creds := &Credentials{Token: "", ExpiresAt: time.Time{}}
	if nil != content {
		a.clientID = lo.Ternary(len(a.clientID) > 0, a.clientID, content.ClientID)
		a.clientSecret = lo.Ternary(len(a.clientSecret) > 0, a.clientSecret, content.ClientSecret)
		creds = &Credentials{
			Token:     content.Token,
			ExpiresAt: time.Unix(content.ExpiresAt, 0),
		}
	}
	a.credentials.Store(creds)

	if len(a.clientID) == 0 || len(a.clientSecret) == 0 {
		return nil, ErrMissingClientCredentials
	}

	return a, nil
}

func (a *Auth) Credentials() *Credentials {
	return a.credentials.Load()
}

// Token returns an access token that stays valid for at least another minute,
// requesting a new one when needed.
func (a *Auth) Token(ctx context.Context, logger zerolog.Logger) (string, error) {
	if creds := a.credentials.Load(); creds.valid(time.Now()) {
		return creds.Token, nil
	}

	a.refreshMux.Lock()
	defer a.refreshMux.Unlock()

	if creds := a.credentials.Load(); creds.valid(time.Now()) {
		return creds.Token, nil
	}

	if err := a.refresh(ctx, logger); nil != err {
		return "", err
	}

	return a.credentials.Load().Token, nil
}

// Invalidate drops token if it is still the current one, so the next Token
// call requests a fresh one.
func (a *Auth) Invalidate(token string) {
	current := a.credentials.Load()
	if nil == current || current.Token != token {
		return
	}

	a.credentials.CompareAndSwap(current, &Credentials{Token: "", ExpiresAt: time.Time{}})
}

func (a *Auth) refresh(ctx context.Context, logger zerolog.Logger) error {
	creds, err := a.requestToken(ctx, logger)
	if nil != err {
		return fmt.Errorf("request token: %w", err)
	}
	a.credentials.Store(creds)

	content := CredsFileContent{
		ClientID:     "",
		ClientSecret: "",
		Token:        creds.Token,
		ExpiresAt:    creds.ExpiresAt.Unix(),
	}
	if existing, err := a.credsFile.Read(); nil == err {
		content.ClientID = existing.ClientID
		content.ClientSecret = existing.ClientSecret
	}
	if err := a.credsFile.Write(content); nil != err {
		logger.Warn().Err(err).Msg("Failed to persist access token")
	}

	return nil
}

func (a *Auth) requestToken(ctx context.Context, logger zerolog.Logger) (creds *Credentials, err error) {
	reqURL, err := url.JoinPath(a.accountsURL, "/api/token")
	if nil != err {
		return nil, fmt.Errorf("join accounts URL and token path: %v", err)
	}

	reqParams := make(url.Values, 1)
	reqParams.Add("grant_type", "client_credentials")

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reqURL, bytes.NewBufferString(reqParams.Encode()))
	if nil != err {
		return nil, fmt.Errorf("create token request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")
	req.Header.Add(
		"Authorization",
		"Basic "+base64.StdEncoding.Strict().EncodeToString([]byte(a.clientID+":"+a.clientSecret)),
	)

	resp, err := a.client.Do(req)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return nil, ctxErr
		}
		logger.Error().Err(err).Msg("Failed to issue token request")
		return nil, fmt.Errorf("%w: issue token request: %v", ErrUpstream, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized:
		respBytes := httputil.ReadErrorBody(resp)
		logger.Error().Int("status_code", code).Bytes("response_body", respBytes).Msg("Token request rejected")
		return nil, fmt.Errorf("%w: %w: %s", ErrUpstream, ErrInvalidClientCredentials, httputil.ErrorMessage(respBytes))
	default:
		respBytes := httputil.ReadErrorBody(resp)
		logger.Error().Int("status_code", code).Bytes("response_body", respBytes).Msg("Unexpected token response status code")
		return nil, fmt.Errorf("%w: unexpected status code %d: %s", ErrUpstream, code, httputil.ErrorMessage(respBytes))
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var respBody struct {
		AccessToken string `json:"access_token"` //nolint:gosec
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode token response body")
		return nil, fmt.Errorf("%w: decode token response body: %v", ErrUpstream, err)
	}

	if len(respBody.AccessToken) == 0 {
		return nil, fmt.Errorf("%w: token response carries no access token", ErrUpstream)
	}

	return &Credentials{
		Token:     respBody.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(respBody.ExpiresIn) * time.Second),
	}, nil
}

// SaveClientCredentials verifies the given client credentials by requesting
// a token and stores both in the credentials file.
func SaveClientCredentials(
	ctx context.Context,
	logger zerolog.Logger,
	conf config.Spotify,
	client *http.Client,
	clientID string,
	clientSecret string,
) error {
	a := &Auth{
		clientID:     clientID,
		clientSecret: clientSecret,
		accountsURL:  conf.AccountsURL,
		timeout:      time.Duration(conf.Timeouts.GetToken) * time.Second,
		client:       client,
		credsFile:    CredsFile(conf.CredsFile),
		refreshMux:   sync.Mutex{},
		credentials:  atomic.Pointer[Credentials]{},
	}

	creds, err := a.requestToken(ctx, logger)
	if nil != err {
		return fmt.Errorf("request token: %w", err)
	}

	content := CredsFileContent{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Token:        creds.Token,
		ExpiresAt:    creds.ExpiresAt.Unix(),
	}
	if err := a.credsFile.Write(content); nil != err {
		return fmt.Errorf("write credentials file: %v", err)
	}

	return nil
}
