package model

import "time"

// Token types held by the vault. Only user tokens are refreshed on a schedule.
const (
	TokenTypeUser           = "user"
	TokenTypeServiceAccount = "service_account"
)

// OAuthToken is a third-party credential pair held on behalf of an owner.
// AccessToken and RefreshToken hold sealed (encrypted and encoded) values,
// never plaintext. The vault is the only component that opens them.
type OAuthToken struct {
	ID           int64     `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	WorkspaceID  string    `json:"workspace_id,omitempty" db:"workspace_id"`
	AccessToken  string    `json:"-" db:"access_token_enc"`
	RefreshToken string    `json:"-" db:"refresh_token_enc"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	Scopes       []string  `json:"scopes"`
	Email        string    `json:"email,omitempty" db:"email"`
	Name         string    `json:"name,omitempty" db:"name"`
	AvatarURL    string    `json:"avatar_url,omitempty" db:"avatar_url"`
	TokenType    string    `json:"token_type" db:"token_type"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasRefreshToken reports whether the record can be refreshed without the
// owner re-authenticating.
func (t *OAuthToken) HasRefreshToken() bool {
	return t.RefreshToken != ""
}
