package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionIssuer = "tollgate"

	purposeSession = "session"
	purposeState   = "oauth_state"

	// DefaultSessionTTL applies when IssueSession is given no ttl.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultStateTTL bounds how long an OAuth authorization may take.
	DefaultStateTTL = 10 * time.Minute
)

// SessionPrincipal is the owner identity carried by a session token.
type SessionPrincipal struct {
	OwnerID   string
	ExpiresAt time.Time
}

// OAuthState is the payload round-tripped through an authorization request.
type OAuthState struct {
	OwnerID     string
	WorkspaceID string
}

// SessionService issues and verifies HS256 session tokens for the
// management API and signed state values for OAuth callbacks.
type SessionService struct {
	secret []byte
	now    func() time.Time
}

// NewSessionService creates a service signing with secret.
func NewSessionService(secret string) *SessionService {
	return &SessionService{secret: []byte(secret), now: time.Now}
}

type sessionClaims struct {
	Purpose     string `json:"purpose"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	jwt.RegisteredClaims
}

func (s *SessionService) issue(subject, purpose, workspaceID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", invalid("owner id is required")
	}
	now := s.now()
	claims := sessionClaims{
		Purpose:     purpose,
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    sessionIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *SessionService) parse(tokenStr, purpose string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidSession
	}
	if !token.Valid || claims.Purpose != purpose || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// IssueSession creates a signed session token for ownerID.
func (s *SessionService) IssueSession(ownerID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return s.issue(ownerID, purposeSession, "", ttl)
}

// ValidateSession verifies a session token and returns its owner.
func (s *SessionService) ValidateSession(tokenStr string) (*SessionPrincipal, error) {
	claims, err := s.parse(tokenStr, purposeSession)
	if err != nil {
		return nil, err
	}
	return &SessionPrincipal{OwnerID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// IssueState creates the opaque state parameter for an OAuth authorization
// request.
func (s *SessionService) IssueState(ownerID, workspaceID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return s.issue(ownerID, purposeState, workspaceID, ttl)
}

// ValidateState verifies a state parameter returned to the OAuth callback.
func (s *SessionService) ValidateState(state string) (*OAuthState, error) {
	claims, err := s.parse(state, purposeState)
	if err != nil {
		return nil, err
	}
	return &OAuthState{OwnerID: claims.Subject, WorkspaceID: claims.WorkspaceID}, nil
}
