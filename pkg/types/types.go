package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// RepositoryType distinguishes hosted, proxy and group repositories
type RepositoryType string

const (
	RepositoryHosted RepositoryType = "hosted"
	RepositoryProxy  RepositoryType = "proxy"
	RepositoryGroup  RepositoryType = "group"
)

// Ecosystem keys served by the built-in plugins
const (
	ManagerDocker       = "docker"
	ManagerGeneric      = "generic"
	ManagerGenericProxy = "generic-proxy"
)

// RepositoryConfig holds the ecosystem-specific options of a repository
type RepositoryConfig struct {
	UpstreamURL       string   `json:"upstreamUrl,omitempty"`
	CacheTTLSeconds   int      `json:"cacheTtlSeconds,omitempty"`
	ProxyCacheEnabled *bool    `json:"proxyCacheEnabled,omitempty"`
	MaxAgeDays        int      `json:"maxAgeDays,omitempty"`
	Members           []string `json:"members,omitempty"`
	StorageConfigID   string   `json:"storageConfigId,omitempty"`
	AuthDisabled      bool     `json:"authDisabled,omitempty"`
}

// CacheEnabled reports whether proxied responses may be cached. Caching is on
// unless explicitly disabled.
func (c RepositoryConfig) CacheEnabled() bool {
	return c.ProxyCacheEnabled == nil || *c.ProxyCacheEnabled
}

// Repository is a named collection of artifacts served by one ecosystem plugin
type Repository struct {
	ID        uuid.UUID        `json:"id" gorm:"primaryKey"`
	Name      string           `json:"name" gorm:"uniqueIndex;not null"`
	Type      RepositoryType   `json:"type" gorm:"not null"`
	Manager   string           `json:"manager" gorm:"not null;index"`
	Config    RepositoryConfig `json:"config" gorm:"serializer:json"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// BeforeCreate generates a UUID for the repository ID
func (r *Repository) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Artifact represents one indexed package version
type Artifact struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey"`
	RepositoryID   uuid.UUID  `json:"repository_id" gorm:"not null;uniqueIndex:idx_artifact_natural_key"`
	Name           string     `json:"name" gorm:"not null;uniqueIndex:idx_artifact_natural_key"`
	Version        string     `json:"version" gorm:"not null;uniqueIndex:idx_artifact_natural_key"`
	ContentType    string     `json:"content_type"`
	Size           int64      `json:"size"`
	SHA256         string     `json:"sha256" gorm:"index"`
	StorageKey     string     `json:"-" gorm:"not null"`
	Metadata       JSONMap    `json:"metadata" gorm:"serializer:json"`
	Downloads      int64      `json:"downloads" gorm:"default:0"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID for the artifact ID
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// StorageType names a physical backend
type StorageType string

const (
	StorageFilesystem StorageType = "filesystem"
	StorageS3         StorageType = "s3"
)

// StorageUsage separates repository storage from backup targets
type StorageUsage string

const (
	UsageRepository StorageUsage = "repository"
	UsageBackup     StorageUsage = "backup"
)

// StorageConfig describes one configured backend
type StorageConfig struct {
	ID        uuid.UUID    `json:"id" gorm:"primaryKey"`
	Name      string       `json:"name" gorm:"not null"`
	Type      StorageType  `json:"type" gorm:"not null"`
	Config    JSONMap      `json:"config" gorm:"serializer:json"`
	IsDefault bool         `json:"is_default" gorm:"default:false"`
	Usage     StorageUsage `json:"usage" gorm:"default:repository"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// BeforeCreate generates a UUID for the storage config ID
func (s *StorageConfig) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// String returns a config value or the empty string
func (s *StorageConfig) String(key string) string {
	if v, ok := s.Config[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a config flag
func (s *StorageConfig) Bool(key string) bool {
	switch v := s.Config[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable unit of asynchronous work
type Job struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey"`
	Type        string     `json:"type" gorm:"not null;index"`
	Status      JobStatus  `json:"status" gorm:"not null;index;default:pending"`
	Payload     JSONMap    `json:"payload" gorm:"serializer:json"`
	Result      JSONMap    `json:"result" gorm:"serializer:json"`
	Error       string     `json:"error"`
	LockedBy    string     `json:"locked_by"`
	LockedAt    *time.Time `json:"locked_at"`
	Attempts    int        `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int        `json:"max_attempts" gorm:"not null;default:3"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// BeforeCreate generates a UUID for the job ID
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// User is the subset of the account model consumed by token issuance
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	Roles     []string  `json:"roles" gorm:"serializer:json"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
