// Package models holds the gorm row types for every entity the broker
// persists. Field shapes follow the teacher's db/models package (one file
// per entity there; grouped here since the broker's entity count is
// small enough that one file stays readable and the relationships
// between them — project -> api key -> connection — are easier to see
// side by side).
package models

import "time"

// Project is a tenant. The core only reads it; the dashboard (out of
// scope) owns its lifecycle.
type Project struct {
	ID          string `gorm:"primaryKey"`
	OwnerRef    string
	Environment string // "test" | "live"
	Settings    string `gorm:"type:text"` // JSON blob
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKeyStorageMode records how an APIKey's secret material is held.
type APIKeyStorageMode string

const (
	APIKeyStorageEncrypted APIKeyStorageMode = "encrypted"
	APIKeyStorageHashed    APIKeyStorageMode = "hashed"
)

// APIKeyStatus is the lifecycle status of an API-key pair.
type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "active"
	APIKeyRevoked APIKeyStatus = "revoked"
)

// APIKey authenticates a project's requests to the broker.
type APIKey struct {
	ID          string `gorm:"primaryKey"`
	ProjectID   string `gorm:"index"`
	PublicKey   string `gorm:"uniqueIndex"` // pk_{env}_<24 base64url chars>
	StorageMode APIKeyStorageMode
	// SecretCiphertext holds the versioned AES-GCM envelope when
	// StorageMode is "encrypted"; SecretHash holds the Argon2id digest
	// (with its salt, "salt:hash" hex-joined) when "hashed".
	SecretCiphertext string `gorm:"type:text"`
	SecretHash       string `gorm:"type:text"`
	Environment      string
	Status           APIKeyStatus
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProviderDescriptor is static per-provider configuration, seeded at boot
// from internal/provider's yaml catalog.
type ProviderDescriptor struct {
	Name                string `gorm:"primaryKey"`
	AuthorizationURL    string
	TokenURL            string
	PermittedScopesCSV  string
	DefaultScopesCSV    string
	ClientSecretCipher  string `gorm:"type:text"`
	Enabled             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EndUser is an identity owned by a project.
type EndUser struct {
	ID          string `gorm:"primaryKey"`
	ProjectID   string `gorm:"uniqueIndex:idx_project_external"`
	ExternalID  string `gorm:"uniqueIndex:idx_project_external"`
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OAuthState is a single-use, short-lived authorization-in-progress
// record.
type OAuthState struct {
	ID                string `gorm:"primaryKey"`
	StateToken        string `gorm:"uniqueIndex"`
	ProjectID         string `gorm:"index"`
	Provider          string
	EndUserID         string
	CallerRedirectURI string
	ScopesCSV         string
	PKCEVerifier      string
	ExpiresAt         time.Time
	UsedAt            *time.Time
	CreatedAt         time.Time
}

// ConnectionStatus is the lifecycle status of a Connection.
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
	ConnectionError   ConnectionStatus = "error"
)

// Connection is the long-lived credential record.
type Connection struct {
	ID                 string `gorm:"primaryKey"` // conn_<uuid>
	ProjectID          string `gorm:"uniqueIndex:idx_project_provider_user"`
	Provider           string `gorm:"uniqueIndex:idx_project_provider_user"`
	EndUserID          string `gorm:"uniqueIndex:idx_project_provider_user"`
	ProviderUserID     string
	ProviderEmail      string
	AccessTokenCipher  string `gorm:"type:text"`
	RefreshTokenCipher string `gorm:"type:text"`
	TokenType          string
	ExpiresAt          *time.Time
	GrantedScopesCSV   string
	Status             ConnectionStatus
	ErrorMessage       string
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookSubscription is a project's event delivery endpoint.
type WebhookSubscription struct {
	ID                  string `gorm:"primaryKey"`
	ProjectID           string `gorm:"index"`
	TargetURL           string
	SigningSecretCipher string `gorm:"type:text"`
	EventsCSV           string
	Enabled             bool
	LastTriggeredAt     *time.Time
	LastStatusCode      int
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WebhookDelivery is one queued/attempted emission of an event to one
// subscription; it is the persistent backing for the at-least-once
// delivery queue. The event row is written before the HTTP attempt.
type WebhookDelivery struct {
	ID             string `gorm:"primaryKey"`
	SubscriptionID string `gorm:"index"`
	EventID        string `gorm:"index"`
	EventType      string
	PayloadJSON    string `gorm:"type:text"`
	Attempts       int
	NextAttemptAt  time.Time
	DeliveredAt    *time.Time
	LastStatusCode int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APILog is an append-only per-request observability record.
type APILog struct {
	ID           string `gorm:"primaryKey"`
	ProjectID    string `gorm:"index"`
	Provider     string
	ConnectionID string
	Endpoint     string
	Method       string
	StatusCode   int
	ErrorMessage string
	LatencyMS    int64
	CreatedAt    time.Time `gorm:"index"`
}

// AllModels lists every model for migration bootstrap wiring.
func AllModels() []any {
	return []any{
		&Project{},
		&APIKey{},
		&ProviderDescriptor{},
		&EndUser{},
		&OAuthState{},
		&Connection{},
		&WebhookSubscription{},
		&WebhookDelivery{},
		&APILog{},
	}
}
