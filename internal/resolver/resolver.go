// Package resolver decides the fate of each operation submitted against a
// task's authoritative field state.
//
// Fields are independent: each keeps its own version counter and a bounded
// window of accepted operations used to transform late arrivals. Operations
// for one field are resolved strictly in arrival order. A Resolver is not safe
// for concurrent use; the hub serializes access per task.
package resolver

import (
	"errors"

	"taskcollab/api/internal/operation"
)

// DefaultWindow is the number of accepted operations kept per field for
// transforming operations computed against older versions.
const DefaultWindow = 64

type FieldState struct {
	Value     string `json:"value"`
	Version   uint64 `json:"version"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// Overwrite tells LoserID that a concurrent whole-value write replaced theirs.
type Overwrite struct {
	Field     operation.Field `json:"field"`
	LoserID   string          `json:"loserUserId"`
	WinnerID  string          `json:"winnerUserId"`
	LostValue string          `json:"lostValue"`
	Version   uint64          `json:"version"`
}

// Applied is the outcome of an accepted operation. Op is the operation as
// applied (possibly shifted) and is what every replica receives.
type Applied struct {
	Op          operation.Operation `json:"op"`
	Value       string              `json:"value"`
	Transformed bool                `json:"transformed"`
	Overwrites  []Overwrite         `json:"overwrites,omitempty"`
}

type entry struct {
	op    operation.Operation
	value string
}

type fieldLog struct {
	state   FieldState
	history []entry
}

type Resolver struct {
	window int
	fields map[operation.Field]*fieldLog
}

// New creates a resolver seeded with the given field states. Fields missing
// from initial start at their default value and version zero.
func New(initial map[operation.Field]FieldState, window int) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Resolver{
		window: window,
		fields: make(map[operation.Field]*fieldLog, len(operation.Fields)),
	}
	for _, field := range operation.Fields {
		state, ok := initial[field]
		if !ok {
			state = FieldState{Value: operation.DefaultValue(field)}
		}
		r.fields[field] = &fieldLog{state: state}
	}
	return r
}

func (r *Resolver) State(field operation.Field) (FieldState, bool) {
	log, ok := r.fields[field]
	if !ok {
		return FieldState{}, false
	}
	return log.state, true
}

func (r *Resolver) Snapshot() map[operation.Field]FieldState {
	out := make(map[operation.Field]FieldState, len(r.fields))
	for field, log := range r.fields {
		out[field] = log.state
	}
	return out
}

// Resolve applies op if it can be reconciled with the current field state.
// lockHolder is the user holding the task lock, or empty when unlocked. On
// any error the field state is left untouched.
func (r *Resolver) Resolve(op operation.Operation, lockHolder string) (Applied, error) {
	if lockHolder != "" && lockHolder != op.UserID {
		return Applied{}, &LockConflictError{Holder: lockHolder}
	}
	log, ok := r.fields[op.Field]
	if !ok {
		return Applied{}, &operation.ValueError{Field: op.Field, Reason: "unknown field"}
	}

	current := log.state.Version
	if op.BaseVersion == current {
		return r.commit(log, op, false, nil)
	}
	if op.BaseVersion > current {
		return Applied{}, &StaleFieldVersionError{Field: op.Field, BaseVersion: op.BaseVersion, CurrentVersion: current}
	}

	if !op.IsText() {
		return r.commit(log, op, true, overwritten(log, op))
	}

	intervening, ok := log.since(op.BaseVersion)
	if !ok {
		return Applied{}, &StaleFieldVersionError{Field: op.Field, BaseVersion: op.BaseVersion, CurrentVersion: current}
	}
	transformed, err := transform(op, intervening, current)
	if err != nil {
		return Applied{}, err
	}
	applied, err := r.commit(log, transformed, true, nil)
	if errors.Is(err, operation.ErrInvalidRange) {
		return Applied{}, &OverlapConflictError{Field: op.Field, ConflictingOp: log.state.UpdatedBy, CurrentVersion: current}
	}
	return applied, err
}

func (r *Resolver) commit(log *fieldLog, op operation.Operation, transformed bool, overwrites []Overwrite) (Applied, error) {
	value, err := op.Apply(log.state.Value)
	if err != nil {
		return Applied{}, err
	}
	version := log.state.Version + 1
	op = op.WithVersion(version)
	log.state = FieldState{Value: value, Version: version, UpdatedBy: op.UserID}
	log.history = append(log.history, entry{op: op, value: value})
	if len(log.history) > r.window {
		log.history = append([]entry(nil), log.history[len(log.history)-r.window:]...)
	}
	for i := range overwrites {
		overwrites[i].Version = version
	}
	return Applied{Op: op, Value: value, Transformed: transformed, Overwrites: overwrites}, nil
}

// since returns the accepted operations newer than base, or false when the
// window no longer reaches back that far.
func (l *fieldLog) since(base uint64) ([]entry, bool) {
	if len(l.history) == 0 || l.history[0].op.Version > base+1 {
		return nil, false
	}
	for i, e := range l.history {
		if e.op.Version > base {
			return l.history[i:], true
		}
	}
	return nil, true
}

// overwritten lists, once per user, the concurrent writers a last-writer-wins
// field operation replaces.
func overwritten(log *fieldLog, op operation.Operation) []Overwrite {
	var out []Overwrite
	index := map[string]int{}
	for _, e := range log.history {
		if e.op.Version <= op.BaseVersion || e.op.UserID == op.UserID {
			continue
		}
		notice := Overwrite{Field: op.Field, LoserID: e.op.UserID, WinnerID: op.UserID, LostValue: e.value}
		if i, ok := index[e.op.UserID]; ok {
			out[i] = notice
			continue
		}
		index[e.op.UserID] = len(out)
		out = append(out, notice)
	}
	return out
}

// transform shifts op past each intervening operation from another origin.
//
// op was computed against its base plus the originator's own intervening
// operations, while the history holds every operation in arrival order. Each
// own operation is first moved ahead of the foreign ones that arrived before
// it, which leaves the foreign operations expressed against op's starting
// text; op is then shifted past them in order.
func transform(op operation.Operation, intervening []entry, current uint64) (operation.Operation, error) {
	var foreign []operation.Operation
	for _, e := range intervening {
		prior := e.op
		if prior.UserID != op.UserID {
			foreign = append(foreign, prior)
			continue
		}
		if !prior.IsText() {
			// A whole-value write by the originator replaced everything before it.
			foreign = nil
			continue
		}
		if err := hoist(prior, foreign, current); err != nil {
			return operation.Operation{}, err
		}
	}

	for _, prior := range foreign {
		if !prior.IsText() || overlaps(prior, op) {
			return operation.Operation{}, &OverlapConflictError{Field: op.Field, ConflictingOp: prior.ID, CurrentVersion: current}
		}
		if precedes(prior, op) {
			op = op.Shift(prior.Delta())
		}
	}
	return op, nil
}

// hoist swaps own, which was applied after every operation in foreign, to
// the front of foreign, rewriting foreign in place to include own's effect.
func hoist(own operation.Operation, foreign []operation.Operation, current uint64) error {
	for i := len(foreign) - 1; i >= 0; i-- {
		prior := foreign[i]
		if !prior.IsText() {
			return &OverlapConflictError{Field: own.Field, ConflictingOp: prior.ID, CurrentVersion: current}
		}
		written := prior.RangeStart + prior.RangeLength + prior.Delta()
		switch {
		case own.RangeEnd() <= prior.RangeStart:
			foreign[i] = prior.Shift(own.Delta())
		case own.RangeStart >= written:
			own = own.Shift(-prior.Delta())
		default:
			return &OverlapConflictError{Field: own.Field, ConflictingOp: prior.ID, CurrentVersion: current}
		}
	}
	return nil
}

func overlaps(prior, op operation.Operation) bool {
	ps, pe := prior.RangeStart, prior.RangeEnd()
	os, oe := op.RangeStart, op.RangeEnd()
	switch {
	case ps < pe && os < oe:
		return ps < oe && os < pe
	case ps == pe && os < oe:
		return os < ps && ps < oe
	case os == oe && ps < pe:
		return ps < os && os < pe
	default:
		return false
	}
}

// precedes reports whether prior changed text entirely before op's range.
// Inserts at the same offset keep arrival order: the earlier one stays first.
func precedes(prior, op operation.Operation) bool {
	if prior.RangeLength == 0 {
		return prior.RangeStart <= op.RangeStart
	}
	return prior.RangeEnd() <= op.RangeStart
}
