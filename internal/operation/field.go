package operation

import (
	"fmt"
	"unicode/utf8"
)

type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
)

// Fields lists every editable task field in display order.
var Fields = []Field{FieldTitle, FieldDescription, FieldStatus, FieldPriority}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
)

var allowedValues = map[Field]map[string]struct{}{
	FieldStatus: {
		StatusPending:    {},
		StatusInProgress: {},
		StatusCompleted:  {},
	},
	FieldPriority: {
		PriorityLow:    {},
		PriorityMedium: {},
		PriorityHigh:   {},
		PriorityUrgent: {},
	},
}

func (f Field) Valid() bool {
	switch f {
	case FieldTitle, FieldDescription, FieldStatus, FieldPriority:
		return true
	default:
		return false
	}
}

// IsText reports whether the field accepts character-range operations.
func (f Field) IsText() bool {
	return f == FieldTitle || f == FieldDescription
}

func ParseField(value string) (Field, error) {
	field := Field(value)
	if !field.Valid() {
		return "", &ValueError{Field: field, Value: value, Reason: "unknown field"}
	}
	return field, nil
}

// DefaultValue is the value a field holds on a freshly created task.
func DefaultValue(field Field) string {
	switch field {
	case FieldStatus:
		return StatusPending
	case FieldPriority:
		return PriorityMedium
	default:
		return ""
	}
}

// ValidateValue checks value against the domain of field.
func ValidateValue(field Field, value string) error {
	switch field {
	case FieldTitle:
		if n := utf8.RuneCountInString(value); n > MaxTitleLength {
			return &ValueError{Field: field, Value: value, Reason: fmt.Sprintf("title exceeds %d characters", MaxTitleLength)}
		}
	case FieldDescription:
		if n := utf8.RuneCountInString(value); n > MaxDescriptionLength {
			return &ValueError{Field: field, Value: value, Reason: fmt.Sprintf("description exceeds %d characters", MaxDescriptionLength)}
		}
	case FieldStatus, FieldPriority:
		if _, ok := allowedValues[field][value]; !ok {
			return &ValueError{Field: field, Value: value, Reason: fmt.Sprintf("%q is not an allowed %s", value, field)}
		}
	default:
		return &ValueError{Field: field, Value: value, Reason: "unknown field"}
	}
	return nil
}
