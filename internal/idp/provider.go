// Package idp is the client side of the external identity provider: code
// exchange, refresh, revocation and userinfo lookups over OAuth2.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Default endpoints (Google).
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// ErrPermanent marks provider failures that retrying cannot fix, such as a
// revoked refresh token.
var ErrPermanent = errors.New("identity provider rejected the grant")

// Tokens is a credential pair returned by the provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not issue or rotate it
	ExpiresAt    time.Time
	Scopes       []string
}

// UserInfo is the external identity attached to a token record.
type UserInfo struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"picture"`
}

// Provider is the identity provider contract used by the token vault.
type Provider interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error)
	RevokeToken(ctx context.Context, token string) error
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// Config configures an OAuth2Provider. Empty URLs default to Google.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	UserInfoURL  string
	HTTPClient   *http.Client
}

// OAuth2Provider implements Provider with golang.org/x/oauth2.
type OAuth2Provider struct {
	oauth       *oauth2.Config
	revokeURL   string
	userInfoURL string
	client      *http.Client
}

// NewOAuth2Provider creates a provider from cfg.
func NewOAuth2Provider(cfg Config) *OAuth2Provider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = GoogleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = GoogleRevokeURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:   cfg.RevokeURL,
		userInfoURL: cfg.UserInfoURL,
		client:      client,
	}
}

func (p *OAuth2Provider) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// AuthCodeURL returns the consent page URL. Offline access is requested so
// the provider issues a refresh token.
func (p *OAuth2Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for tokens.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	tok, err := p.oauth.Exchange(p.ctx(ctx), code)
	if err != nil {
		return nil, classify("exchange code", err)
	}
	return fromOAuth2(tok), nil
}

// RefreshToken obtains a new access token. The returned RefreshToken is
// set only when the provider rotated it.
func (p *OAuth2Provider) RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	src := p.oauth.TokenSource(p.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify("refresh token", err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

// RevokeToken asks the provider to invalidate token.
func (p *OAuth2Provider) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke token: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// GetUserInfo fetches the identity behind accessToken.
func (p *OAuth2Provider) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("userinfo: unexpected status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

func fromOAuth2(tok *oauth2.Token) *Tokens {
	out := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

// permanentCodes are OAuth2 error codes that mean the grant is dead.
var permanentCodes = map[string]bool{
	"invalid_grant":          true,
	"invalid_client":         true,
	"unauthorized_client":    true,
	"unsupported_grant_type": true,
}

func classify(op string, err error) error {
	if IsPermanent(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermanent, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsPermanent reports whether err is a provider rejection that retrying
// will not fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if permanentCodes[re.ErrorCode] {
			return true
		}
		if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "token has been expired or revoked")
}
