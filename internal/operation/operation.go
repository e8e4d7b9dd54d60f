// Package operation defines the versioned mutations two or more editors
// exchange while editing a task. Construction validates eagerly so an invalid
// operation never leaves the device.
package operation

import (
	"unicode/utf8"

	"taskcollab/api/internal/util"
)

type Kind string

const (
	KindReplace Kind = "replace"
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
)

type Variant string

const (
	VariantText  Variant = "text"
	VariantField Variant = "field"
)

// Origin identifies who computed an operation and against which field version.
type Origin struct {
	UserID      string `json:"originUserId"`
	Seq         uint64 `json:"seq"`
	BaseVersion uint64 `json:"baseVersion"`
}

// Operation is a single mutation of one task field. Values are immutable;
// helpers that adjust an operation return a modified copy.
type Operation struct {
	ID          string  `json:"id"`
	Variant     Variant `json:"variant"`
	Field       Field   `json:"field"`
	Kind        Kind    `json:"kind,omitempty"`
	Payload     string  `json:"payload"`
	RangeStart  int     `json:"rangeStart"`
	RangeLength int     `json:"rangeLength"`
	Origin
	// Version is the field version the authority assigned on acceptance.
	Version uint64 `json:"version,omitempty"`
}

// NewText builds a character-range operation against a text field whose
// current length, in runes, is fieldLen.
func NewText(origin Origin, field Field, kind Kind, payload string, start, length, fieldLen int) (Operation, error) {
	if !field.Valid() {
		return Operation{}, &ValueError{Field: field, Reason: "unknown field"}
	}
	if !field.IsText() {
		return Operation{}, &ValueError{Field: field, Value: payload, Reason: "text operations require a text field"}
	}
	switch kind {
	case KindReplace, KindInsert, KindDelete:
	default:
		return Operation{}, &ValueError{Field: field, Value: string(kind), Reason: "unknown operation kind"}
	}
	if start < 0 || length < 0 || start+length > fieldLen {
		return Operation{}, &RangeError{Field: field, Start: start, Length: length, FieldLength: fieldLen}
	}
	if kind == KindInsert && length != 0 {
		return Operation{}, &RangeError{Field: field, Start: start, Length: length, FieldLength: fieldLen}
	}
	if kind == KindDelete {
		if length == 0 {
			return Operation{}, &RangeError{Field: field, Start: start, Length: length, FieldLength: fieldLen}
		}
		payload = ""
	}

	return Operation{
		ID:          util.NewID("op"),
		Variant:     VariantText,
		Field:       field,
		Kind:        kind,
		Payload:     payload,
		RangeStart:  start,
		RangeLength: length,
		Origin:      origin,
	}, nil
}

// NewField builds a whole-value replacement of field.
func NewField(origin Origin, field Field, value string) (Operation, error) {
	if err := ValidateValue(field, value); err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:      util.NewID("op"),
		Variant: VariantField,
		Field:   field,
		Kind:    KindReplace,
		Payload: value,
		Origin:  origin,
	}, nil
}

// Validate checks an operation received from elsewhere against the same
// rules NewText and NewField enforce. The range is checked when the
// operation is applied.
func (o Operation) Validate() error {
	if !o.Field.Valid() {
		return &ValueError{Field: o.Field, Reason: "unknown field"}
	}
	switch o.Variant {
	case VariantField:
		return ValidateValue(o.Field, o.Payload)
	case VariantText:
	default:
		return &ValueError{Field: o.Field, Value: string(o.Variant), Reason: "unknown operation variant"}
	}
	if !o.Field.IsText() {
		return &ValueError{Field: o.Field, Value: o.Payload, Reason: "text operations require a text field"}
	}
	if o.RangeStart < 0 || o.RangeLength < 0 {
		return &RangeError{Field: o.Field, Start: o.RangeStart, Length: o.RangeLength}
	}
	switch o.Kind {
	case KindReplace:
	case KindInsert:
		if o.RangeLength != 0 {
			return &RangeError{Field: o.Field, Start: o.RangeStart, Length: o.RangeLength}
		}
	case KindDelete:
		if o.RangeLength == 0 || o.Payload != "" {
			return &RangeError{Field: o.Field, Start: o.RangeStart, Length: o.RangeLength}
		}
	default:
		return &ValueError{Field: o.Field, Value: string(o.Kind), Reason: "unknown operation kind"}
	}
	return nil
}

func (o Operation) IsText() bool {
	return o.Variant == VariantText
}

// RangeEnd is the exclusive end offset of a text operation's range.
func (o Operation) RangeEnd() int {
	return o.RangeStart + o.RangeLength
}

// Delta is the net change in field length, in runes, the operation introduces.
func (o Operation) Delta() int {
	if !o.IsText() {
		return 0
	}
	return utf8.RuneCountInString(o.Payload) - o.RangeLength
}

// ResultVersion is the version the field holds once o has been applied.
func (o Operation) ResultVersion() uint64 {
	if o.Version != 0 {
		return o.Version
	}
	return o.BaseVersion + 1
}

// Apply returns value with the operation applied.
func (o Operation) Apply(value string) (string, error) {
	if !o.IsText() {
		if err := ValidateValue(o.Field, o.Payload); err != nil {
			return "", err
		}
		return o.Payload, nil
	}

	runes := []rune(value)
	if o.RangeStart < 0 || o.RangeLength < 0 || o.RangeEnd() > len(runes) {
		return "", &RangeError{Field: o.Field, Start: o.RangeStart, Length: o.RangeLength, FieldLength: len(runes)}
	}
	next := make([]rune, 0, len(runes)+o.Delta())
	next = append(next, runes[:o.RangeStart]...)
	next = append(next, []rune(o.Payload)...)
	next = append(next, runes[o.RangeEnd():]...)

	result := string(next)
	if err := ValidateValue(o.Field, result); err != nil {
		return "", err
	}
	return result, nil
}

// Shift moves a text operation's range by delta runes.
func (o Operation) Shift(delta int) Operation {
	o.RangeStart += delta
	return o
}

func (o Operation) WithVersion(version uint64) Operation {
	o.Version = version
	return o
}

// Concurrent reports whether a and b touch the same field and neither was
// computed with knowledge of the other.
func Concurrent(a, b Operation) bool {
	if a.Field != b.Field {
		return false
	}
	return a.BaseVersion < b.ResultVersion() && b.BaseVersion < a.ResultVersion()
}

// Coalesce merges b into a when b continues a: typing after an insert, or
// backspacing/forward-deleting next to a delete. Both must come from the same
// origin and base version.
func Coalesce(a, b Operation) (Operation, bool) {
	if !a.IsText() || !b.IsText() || a.Field != b.Field {
		return Operation{}, false
	}
	if a.UserID != b.UserID || a.BaseVersion != b.BaseVersion {
		return Operation{}, false
	}

	merged := a
	merged.ID = b.ID
	merged.Seq = b.Seq

	aInsert := a.Kind == KindInsert || (a.Kind == KindReplace && a.RangeLength == 0)
	bInsert := b.Kind == KindInsert || (b.Kind == KindReplace && b.RangeLength == 0)
	switch {
	case aInsert && bInsert && b.RangeStart == a.RangeStart+utf8.RuneCountInString(a.Payload):
		merged.Payload = a.Payload + b.Payload
		return merged, true
	case a.Kind == KindDelete && b.Kind == KindDelete && b.RangeEnd() == a.RangeStart:
		merged.RangeStart = b.RangeStart
		merged.RangeLength = a.RangeLength + b.RangeLength
		return merged, true
	case a.Kind == KindDelete && b.Kind == KindDelete && b.RangeStart == a.RangeStart:
		merged.RangeLength = a.RangeLength + b.RangeLength
		return merged, true
	}
	return Operation{}, false
}
