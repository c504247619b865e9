package contexts

import (
	"fmt"
	"strings"
	"time"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// Operator enumerates the supported condition operators. The set is closed;
// unknown operators are rejected when a context is written, not at
// evaluation time.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
)

// Condition compares one field of a resource instance against either a
// literal value or a field of the acting user (ValueFrom, "user.<field>").
type Condition struct {
	Field     string   `json:"field"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value,omitempty"`
	ValueFrom string   `json:"valueFrom,omitempty"`
}

// Validate enforces the closed operator union and the value/valueFrom choice.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return shared.PolicyViolationf("contexts: condition field required")
	}
	switch c.Operator {
	case OpEquals, OpContains, OpGreaterThan, OpLessThan:
	default:
		return shared.PolicyViolationf("contexts: unknown operator %q", c.Operator)
	}
	if c.ValueFrom != "" {
		if !strings.HasPrefix(c.ValueFrom, "user.") || len(c.ValueFrom) <= len("user.") {
			return shared.PolicyViolationf("contexts: valueFrom must reference user.<field>")
		}
		if c.Value != nil {
			return shared.PolicyViolationf("contexts: value and valueFrom are mutually exclusive")
		}
		return nil
	}
	if c.Value == nil {
		return fmt.Errorf("contexts: condition needs value or valueFrom: %w", shared.ErrPolicyViolation)
	}
	return nil
}

// PermissionContext grants extra permissions on resource instances matching
// its condition.
type PermissionContext struct {
	ID            int64
	Name          string
	ResourceType  string
	Condition     Condition
	PermissionIDs []int64
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
