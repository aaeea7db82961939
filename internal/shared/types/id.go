package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a UUID wrapper for type safety
type ID string

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// ParseID parses a string into an ID
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return ID(s), nil
}

// MustParseID parses a string into an ID, panics on error
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Value implements driver.Valuer for database serialization
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner for database deserialization
func (id *ID) Scan(value interface{}) error {
	if value == nil {
		*id = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	case [16]byte:
		*id = ID(uuid.UUID(v).String())
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}

// Stage is the onboarding stage a branch signs and submits invoices under.
type Stage string

const (
	StageCompliance Stage = "COMPLIANCE"
	StageProduction Stage = "PRODUCTION"
)

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s == StageCompliance || s == StageProduction
}

// BranchKey identifies a branch within an organization.
type BranchKey struct {
	OrganizationID ID `json:"organization_id"`
	BranchID       ID `json:"branch_id"`
}

// String renders the key as org/branch.
func (k BranchKey) String() string {
	return k.OrganizationID.String() + "/" + k.BranchID.String()
}

// Validate checks that both halves of the key are present.
func (k BranchKey) Validate() error {
	if k.OrganizationID.IsZero() {
		return fmt.Errorf("organization id is required")
	}
	if k.BranchID.IsZero() {
		return fmt.Errorf("branch id is required")
	}
	return nil
}

// ChainKey scopes an invoice hash chain: one per (organization, branch, stage).
type ChainKey struct {
	BranchKey
	Stage Stage `json:"stage"`
}

// NewChainKey builds a ChainKey.
func NewChainKey(branch BranchKey, stage Stage) ChainKey {
	return ChainKey{BranchKey: branch, Stage: stage}
}

// String renders the key as org/branch/stage, used for lock names and metrics.
func (k ChainKey) String() string {
	return k.BranchKey.String() + "/" + string(k.Stage)
}
