package credentials

// Credential is the per-user refresh token record.
type Credential struct {
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null"`
	RefreshToken string `gorm:"column:refresh_token;type:text;not null"`
	ValidUntil   string `gorm:"column:valid_until;size:10;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "credentials"
}

// CredentialFallback holds the optional username and sealed password used
// when a refresh token can no longer be exchanged.
type CredentialFallback struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username          string `gorm:"column:username;size:320;not null"`
	EncryptedPassword string `gorm:"column:encrypted_password;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CredentialFallback) TableName() string {
	return "credential_fallback"
}

// Mode describes how a user is connected to IndY.
type Mode string

const (
	ModeNone        Mode = ""
	ModeTokenOnly   Mode = "token_only"
	ModeCredentials Mode = "credentials"
)

// Status is the read-only view of a user's stored IndY connection.
type Status struct {
	Connected            bool    `json:"connected"`
	Mode                 *Mode   `json:"mode"`
	ExpiresAt            *string `json:"expires_at"`
	HasStoredCredentials bool    `json:"has_stored_credentials"`
}
