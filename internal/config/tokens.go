package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// OAuth tokens
// ---------------------------------------------------------------------------

// oauthTokenRow maps 1:1 to the oauth_tokens table. Scopes are stored as a
// JSON array.
type oauthTokenRow struct {
	ID              int64     `db:"id"`
	OwnerID         string    `db:"owner_id"`
	WorkspaceID     string    `db:"workspace_id"`
	AccessTokenEnc  string    `db:"access_token_enc"`
	RefreshTokenEnc string    `db:"refresh_token_enc"`
	ExpiresAt       time.Time `db:"expires_at"`
	ScopesJSON      string    `db:"scopes_json"`
	Email           string    `db:"email"`
	Name            string    `db:"name"`
	AvatarURL       string    `db:"avatar_url"`
	TokenType       string    `db:"token_type"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r oauthTokenRow) toModel() (model.OAuthToken, error) {
	var scopes []string
	if r.ScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return model.OAuthToken{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	return model.OAuthToken{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		WorkspaceID:  r.WorkspaceID,
		AccessToken:  r.AccessTokenEnc,
		RefreshToken: r.RefreshTokenEnc,
		ExpiresAt:    r.ExpiresAt,
		Scopes:       scopes,
		Email:        r.Email,
		Name:         r.Name,
		AvatarURL:    r.AvatarURL,
		TokenType:    r.TokenType,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// UpsertOAuthToken stores the token record for (OwnerID, WorkspaceID),
// replacing any previous one. ID and timestamps are populated on return.
func (s *Store) UpsertOAuthToken(ctx context.Context, tok *model.OAuthToken) error {
	now := time.Now().UTC()
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = now
	}
	tok.UpdatedAt = now
	if tok.TokenType == "" {
		tok.TokenType = model.TokenTypeUser
	}

	scopes := tok.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	const q = `INSERT INTO oauth_tokens
		(owner_id, workspace_id, access_token_enc, refresh_token_enc, expires_at, scopes_json,
		 email, name, avatar_url, token_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, workspace_id) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expires_at = excluded.expires_at,
			scopes_json = excluded.scopes_json,
			email = excluded.email,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			token_type = excluded.token_type,
			updated_at = excluded.updated_at
		RETURNING id`

	err = s.db.QueryRowxContext(ctx, s.db.Rebind(q),
		tok.OwnerID, tok.WorkspaceID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt.UTC(), string(scopesJSON),
		tok.Email, tok.Name, tok.AvatarURL, tok.TokenType, tok.CreatedAt.UTC(), tok.UpdatedAt,
	).Scan(&tok.ID)
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// UpdateOAuthToken rewrites the credential fields of an existing record.
// It returns ErrNotFound when the record is gone, so a write racing a
// delete never brings the record back.
func (s *Store) UpdateOAuthToken(ctx context.Context, tok *model.OAuthToken) error {
	scopes := tok.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	tok.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE oauth_tokens SET
			access_token_enc = ?, refresh_token_enc = ?, expires_at = ?, scopes_json = ?, updated_at = ?
		WHERE owner_id = ? AND workspace_id = ?`),
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt.UTC(), string(scopesJSON), tok.UpdatedAt,
		tok.OwnerID, tok.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("update oauth token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOAuthToken returns the token record for an owner and workspace.
func (s *Store) GetOAuthToken(ctx context.Context, ownerID, workspaceID string) (*model.OAuthToken, error) {
	var row oauthTokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT * FROM oauth_tokens WHERE owner_id = ? AND workspace_id = ?"), ownerID, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	tok, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListOAuthTokens returns every stored token record, soonest expiry first.
func (s *Store) ListOAuthTokens(ctx context.Context) ([]model.OAuthToken, error) {
	var rows []oauthTokenRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM oauth_tokens ORDER BY expires_at"); err != nil {
		return nil, fmt.Errorf("list oauth tokens: %w", err)
	}
	toks := make([]model.OAuthToken, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
	}
	return toks, nil
}

// DeleteOAuthToken removes the token record for an owner and workspace.
func (s *Store) DeleteOAuthToken(ctx context.Context, ownerID, workspaceID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM oauth_tokens WHERE owner_id = ? AND workspace_id = ?"), ownerID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete oauth token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
