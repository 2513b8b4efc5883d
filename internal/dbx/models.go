package dbx

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all persisted models. ID uses
// UUID v7 (time-ordered) so rows sort chronologically without a separate
// index on created_at.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Credential is a named secret the credential gate checks graphs against
// and the GraphExecutor reads to authenticate outbound calls. Value is
// encrypted at rest; Key is the lookup name referenced by a node's
// required_credential_keys (e.g. "openai_api_key").
type Credential struct {
	base
	Key   string          `gorm:"uniqueIndex;not null"`
	Value EncryptedString `gorm:"type:text;not null"`
}

// JobRecord is the terminal-state audit trail for one executed job (spec
// §9, "Persisted job history is a supplement, not a resumption
// mechanism" — a JobRecord is written once a job reaches DONE and is never
// read back into the live queue).
type JobRecord struct {
	base
	SessionID   string `gorm:"not null;index"`
	JobID       int64  `gorm:"not null;index"`
	FinalState  string `gorm:"not null"` // "finished", "stopped", "error", "timeout"
	ErrorMessage string `gorm:"type:text;default:''"`
	StartedAt   time.Time
	FinishedAt  time.Time
}
