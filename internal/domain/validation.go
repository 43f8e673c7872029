package domain

import (
	"errors"
	"fmt"
	"time"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidateEvent performs strict shape checks on the event.
// now: reference time (injectable for tests)
// skew: allowable future skew (positive duration)
func ValidateEvent(ev *Event, now time.Time, skew time.Duration) []FieldError {
	var errs []FieldError

	if ev.Name == "" {
		errs = append(errs, FieldError{"name", "required"})
	} else if len(ev.Name) > MaxEventNameLen {
		errs = append(errs, FieldError{"name", fmt.Sprintf("max length %d", MaxEventNameLen)})
	} else if !ValidEventName(ev.Name) {
		errs = append(errs, FieldError{"name", "must contain only letters, digits, '_', '.', ':' or '-'"})
	}

	if len(ev.SessionID) > MaxSessionIDLen {
		errs = append(errs, FieldError{"sessionId", fmt.Sprintf("max length %d", MaxSessionIDLen)})
	}
	if len(ev.PrincipalID) > MaxPrincipalIDLen {
		errs = append(errs, FieldError{"principalId", fmt.Sprintf("max length %d", MaxPrincipalIDLen)})
	}

	if ev.OccurredAt.IsZero() {
		errs = append(errs, FieldError{"occurredAt", "required"})
	} else if ev.OccurredAt.After(now.Add(skew)) {
		errs = append(errs, FieldError{"occurredAt", "must not be in the future (beyond allowed skew)"})
	}

	errs = append(errs, validateProperties(ev.Properties)...)
	return errs
}

func validateProperties(props Properties) []FieldError {
	var errs []FieldError
	if len(props) > MaxPropertyKeys {
		errs = append(errs, FieldError{"properties", fmt.Sprintf("max %d keys", MaxPropertyKeys)})
		return errs
	}
	for k, v := range props {
		if k == "" {
			errs = append(errs, FieldError{"properties", "keys must be non-empty"})
			continue
		}
		if len(k) > MaxPropertyKeyLen {
			errs = append(errs, FieldError{"properties." + k, fmt.Sprintf("key max length %d", MaxPropertyKeyLen)})
			continue
		}
		errs = append(errs, validateValue("properties."+k, v)...)
	}
	return errs
}

func validateValue(field string, v Value) []FieldError {
	var errs []FieldError
	switch v.Type {
	case TypeString:
		if len(v.Str) > MaxStringValueLen {
			errs = append(errs, FieldError{field, fmt.Sprintf("string values max length %d", MaxStringValueLen)})
		}
	case TypeArray:
		if len(v.Arr) > MaxArrayValueLen {
			errs = append(errs, FieldError{field, fmt.Sprintf("arrays max %d elements", MaxArrayValueLen)})
			break
		}
		for i, e := range v.Arr {
			if !e.Scalar() {
				errs = append(errs, FieldError{fmt.Sprintf("%s[%d]", field, i), "array elements must be scalars"})
				continue
			}
			errs = append(errs, validateValue(fmt.Sprintf("%s[%d]", field, i), e)...)
		}
	}
	return errs
}

// ValidateBatch enforces top-level batch constraints (count caps) and
// per-item validation. A non-nil topErr means the batch as a whole must be
// rejected before any write.
func ValidateBatch(events []*Event, maxItems int, now time.Time, skew time.Duration) (allErrs [][]FieldError, topErr error) {
	if len(events) == 0 {
		return nil, errors.New("events: required and must contain at least one item")
	}
	if maxItems > 0 && len(events) > maxItems {
		return nil, fmt.Errorf("events: max %d items", maxItems)
	}
	allErrs = make([][]FieldError, len(events))
	var any bool
	for i := range events {
		fe := ValidateEvent(events[i], now, skew)
		if len(fe) > 0 {
			allErrs[i] = fe
			any = true
		}
	}
	if any {
		return allErrs, errors.New("one or more events failed validation")
	}
	return nil, nil
}
