package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy is a named, reusable runbook specification scoped to a project.
// Archiving (is_active=false) keeps historical validations resolvable.
type Policy struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	RunbookYAML string    `json:"runbook_yaml"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MaxPolicyNameLen bounds policy names so the unique (project, name) index
// stays usable and list responses stay small.
const MaxPolicyNameLen = 200

// MaxRunbookYAMLLen bounds stored runbook documents. A runbook is a small
// declarative policy; anything near this limit is almost certainly a mistake.
const MaxRunbookYAMLLen = 64 * 1024

// ValidatePolicyName checks a policy name for presence and length.
func ValidatePolicyName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxPolicyNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxPolicyNameLen)
	}
	return nil
}

// ValidateRunbookYAML checks a runbook document for presence and length.
// Shape validation happens in the runbook parser; this only guards storage.
func ValidateRunbookYAML(doc string) error {
	if doc == "" {
		return fmt.Errorf("runbook_yaml is required")
	}
	if len(doc) > MaxRunbookYAMLLen {
		return fmt.Errorf("runbook_yaml exceeds maximum length of %d bytes", MaxRunbookYAMLLen)
	}
	return nil
}
