package engine

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// ConflictAction is what conflict resolution did with one draft.
type ConflictAction string

const (
	ActionInserted ConflictAction = "inserted"
	ActionReplaced ConflictAction = "replaced"
	ActionCovered  ConflictAction = "covered"
	ActionRaised   ConflictAction = "raised"
)

// ConflictOutcome describes a draft that collided with an existing record.
type ConflictOutcome struct {
	Key        Key            `json:"key"`
	Type       string         `json:"type"`
	Policy     ConflictPolicy `json:"policy"`
	Action     ConflictAction `json:"action"`
	Identity   string         `json:"identity,omitempty"`
	Consistent bool           `json:"consistent"`
}

// persist stores the draft of r under the conflict policy of its type and
// returns the record later relations must point at.
func (run *importRun) persist(ctx context.Context, acc Accessor, r *importResource) (Record, error) {
	check := r.config.Conflict
	if check == nil || check.Disabled {
		return run.insert(ctx, acc, r, r.draft)
	}

	existing, err := detectConflict(ctx, acc, r, check)
	if err != nil {
		return nil, NewStorageError("failed to detect conflicting record", err).
			WithResource(r.label()).WithOperation("persist")
	}
	if isNil(existing) {
		return run.insert(ctx, acc, r, r.draft)
	}

	identity, _ := acc.Identity(existing)
	outcome := ConflictOutcome{
		Key:        r.key,
		Type:       r.recordType,
		Policy:     check.Policy,
		Identity:   identity,
		Consistent: true,
	}

	switch check.Policy {
	case ConflictRaise:
		outcome.Action = ActionRaised
		run.conflict(ctx, outcome)
		return nil, NewConflictError(
			fmt.Sprintf("%s collides with existing record %s", r.label(), identity), nil,
		).WithResource(r.label()).WithOperation("persist").WithDetail("existing", identity)

	case ConflictReplace:
		outcome.Consistent = run.checkConsistency(ctx, acc, r, check, existing)
		outcome.Action = ActionReplaced
		run.conflict(ctx, outcome)
		run.result.Reused++
		return existing, nil

	case ConflictCover:
		outcome.Consistent = run.checkConsistency(ctx, acc, r, check, existing)
		covered, err := run.cover(ctx, acc, r, check, existing)
		if err != nil {
			return nil, err
		}
		outcome.Action = ActionCovered
		run.conflict(ctx, outcome)
		return covered, nil

	default:
		return run.insert(ctx, acc, r, r.draft)
	}
}

func (run *importRun) insert(ctx context.Context, acc Accessor, r *importResource, draft Record) (Record, error) {
	rec, err := acc.Insert(ctx, draft)
	if err != nil {
		return nil, NewStorageError("failed to insert record", err).
			WithResource(r.label()).WithOperation("persist")
	}
	run.result.Inserted++
	return rec, nil
}

// cover copies the materialized fields of the draft onto existing, re-attaches
// hard dependencies and saves it.
func (run *importRun) cover(
	ctx context.Context,
	acc Accessor,
	r *importResource,
	check *ConflictCheck,
	existing Record,
) (Record, error) {
	ignored := make(map[string]bool, len(check.IgnoreFields))
	for _, name := range check.IgnoreFields {
		ignored[name] = true
	}

	for _, name := range r.fields {
		if ignored[name] || name == r.config.identityField() {
			continue
		}
		value, err := acc.Field(r.draft, name)
		if err != nil {
			return nil, NewStorageError(fmt.Sprintf("failed to read draft field %s", name), err).
				WithResource(r.label()).WithOperation("cover")
		}
		if err := acc.SetField(existing, name, value); err != nil {
			return nil, NewStorageError(fmt.Sprintf("failed to set field %s", name), err).
				WithResource(r.label()).WithOperation("cover")
		}
	}

	if err := r.attach(ctx, acc, existing, true); err != nil {
		return nil, err
	}

	updated, err := acc.Update(ctx, existing)
	if err != nil {
		return nil, NewStorageError("failed to update existing record", err).
			WithResource(r.label()).WithOperation("cover")
	}
	run.result.Updated++
	return updated, nil
}

// checkConsistency compares draft and existing record and records a warning
// on mismatch. Mismatches never fail the import.
func (run *importRun) checkConsistency(
	ctx context.Context,
	acc Accessor,
	r *importResource,
	check *ConflictCheck,
	existing Record,
) bool {
	consistent := check.Consistent
	if consistent == nil {
		if len(check.ConsistencyFields) == 0 {
			return true
		}
		consistent = fieldsConsistent(check.ConsistencyFields)
	}

	ok, err := consistent(acc, r.draft, existing)
	if err == nil && ok {
		return true
	}

	warning := NewConsistencyWarning(
		fmt.Sprintf("%s is inconsistent with the existing record", r.label()),
	).WithResource(r.label()).WithOperation("persist").
		WithDetail("policy", string(check.Policy)).
		WithDetail("type", r.recordType)
	if err != nil {
		warning.Err = err
	}
	run.warn(ctx, warning)
	return false
}

// detectConflict runs the configured detector, or looks the draft up by its
// external key.
func detectConflict(ctx context.Context, acc Accessor, r *importResource, check *ConflictCheck) (Record, error) {
	if check.Detect != nil {
		return check.Detect(ctx, acc, r.recordType, r.draft)
	}

	value, err := acc.Field(r.draft, check.ExternalKey)
	if err != nil || isNil(value) {
		return nil, nil
	}
	key := fmt.Sprint(value)
	if key == "" {
		return nil, nil
	}
	return acc.FindByExternalKey(ctx, r.recordType, check.ExternalKey, key)
}

// fieldsConsistent compares the named fields of two records.
func fieldsConsistent(fields []string) ConsistencyFunc {
	return func(acc Accessor, draft, existing Record) (bool, error) {
		for _, name := range fields {
			a, err := acc.Field(draft, name)
			if err != nil {
				return false, err
			}
			b, err := acc.Field(existing, name)
			if err != nil {
				return false, err
			}
			if !reflect.DeepEqual(normalizeValue(a), normalizeValue(b)) {
				return false, nil
			}
		}
		return true, nil
	}
}

// normalizeValue folds numeric and time representations that differ only by
// their Go type, since drafts carry decoded transport values.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC().Format(TimeLayout)
	case *time.Time:
		if n == nil {
			return nil
		}
		return n.UTC().Format(TimeLayout)
	case FileRef:
		return n.Name
	default:
		return v
	}
}
