package contexts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ownerContext() PermissionContext {
	return PermissionContext{
		Name:         "own-reports",
		ResourceType: "report",
		Condition:    Condition{Field: "ownerId", Operator: OpEquals, ValueFrom: "user.id"},
		IsActive:     true,
	}
}

func TestAppliesEqualsWithValueFrom(t *testing.T) {
	pc := ownerContext()
	user := map[string]any{"id": int64(42)}

	assert.True(t, Applies(pc, map[string]any{"ownerId": int64(42)}, user))
	// JSON decoding yields float64; string forms must still match.
	assert.True(t, Applies(pc, map[string]any{"ownerId": float64(42)}, user))
	assert.True(t, Applies(pc, map[string]any{"ownerId": "42"}, user))
	assert.False(t, Applies(pc, map[string]any{"ownerId": int64(7)}, user))
}

func TestAppliesAbsentInputs(t *testing.T) {
	pc := ownerContext()
	user := map[string]any{"id": int64(42)}

	assert.False(t, Applies(pc, nil, user))
	assert.False(t, Applies(pc, map[string]any{"ownerId": int64(42)}, nil))
	// Resource lacks the named field.
	assert.False(t, Applies(pc, map[string]any{"title": "q3"}, user))
	// Acting user lacks the referenced field.
	assert.False(t, Applies(pc, map[string]any{"ownerId": int64(42)}, map[string]any{"name": "x"}))
}

func TestAppliesMissingOperatorOrField(t *testing.T) {
	user := map[string]any{"id": int64(1)}
	instance := map[string]any{"ownerId": int64(1)}

	pc := ownerContext()
	pc.Condition.Operator = ""
	assert.False(t, Applies(pc, instance, user))

	pc = ownerContext()
	pc.Condition.Field = ""
	assert.False(t, Applies(pc, instance, user))

	pc = ownerContext()
	pc.Condition.Operator = "matches"
	assert.False(t, Applies(pc, instance, user))
}

func TestAppliesContains(t *testing.T) {
	pc := PermissionContext{
		Condition: Condition{Field: "tags", Operator: OpContains, Value: "priority"},
	}
	user := map[string]any{"id": int64(1)}

	assert.True(t, Applies(pc, map[string]any{"tags": []any{"routine", "priority"}}, user))
	assert.True(t, Applies(pc, map[string]any{"tags": []string{"priority"}}, user))
	assert.False(t, Applies(pc, map[string]any{"tags": []any{"routine"}}, user))
	// Scalar resource field is never a match for contains.
	assert.False(t, Applies(pc, map[string]any{"tags": "priority"}, user))
}

func TestAppliesContainsNumericElements(t *testing.T) {
	pc := PermissionContext{
		Condition: Condition{Field: "regionIds", Operator: OpContains, ValueFrom: "user.regionId"},
	}
	user := map[string]any{"regionId": int64(3)}

	assert.True(t, Applies(pc, map[string]any{"regionIds": []any{float64(1), float64(3)}}, user))
	assert.False(t, Applies(pc, map[string]any{"regionIds": []any{float64(2)}}, user))
}

func TestAppliesOrdinalComparisons(t *testing.T) {
	gt := PermissionContext{Condition: Condition{Field: "score", Operator: OpGreaterThan, Value: float64(80)}}
	lt := PermissionContext{Condition: Condition{Field: "score", Operator: OpLessThan, Value: float64(80)}}
	user := map[string]any{"id": int64(1)}

	assert.True(t, Applies(gt, map[string]any{"score": float64(90)}, user))
	assert.False(t, Applies(gt, map[string]any{"score": float64(80)}, user))
	assert.False(t, Applies(gt, map[string]any{"score": float64(70)}, user))
	assert.True(t, Applies(lt, map[string]any{"score": float64(70)}, user))
	// Numeric strings coerce.
	assert.True(t, Applies(gt, map[string]any{"score": "95"}, user))
	// Incomparable types are inapplicable, not an error.
	assert.False(t, Applies(gt, map[string]any{"score": []any{1}}, user))
}

func TestAppliesIsDeterministic(t *testing.T) {
	pc := ownerContext()
	instance := map[string]any{"ownerId": "42"}
	user := map[string]any{"id": int64(42)}
	first := Applies(pc, instance, user)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Applies(pc, instance, user))
	}
}

func TestConditionValidate(t *testing.T) {
	valid := Condition{Field: "status", Operator: OpEquals, Value: "approved"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Condition{Field: "", Operator: OpEquals, Value: "x"}.Validate())
	assert.Error(t, Condition{Field: "status", Operator: "regex", Value: "x"}.Validate())
	assert.Error(t, Condition{Field: "status", Operator: OpEquals}.Validate())
	assert.Error(t, Condition{Field: "status", Operator: OpEquals, ValueFrom: "customerId"}.Validate())
	assert.Error(t, Condition{Field: "status", Operator: OpEquals, Value: "x", ValueFrom: "user.id"}.Validate())
	assert.NoError(t, Condition{Field: "ownerId", Operator: OpEquals, ValueFrom: "user.id"}.Validate())
}
