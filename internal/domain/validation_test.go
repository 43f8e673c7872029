package domain

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func validEvent() *Event {
	return &Event{
		Name:        "page_view",
		SessionID:   "sess-1",
		PrincipalID: "user-1",
		OccurredAt:  testNow.Add(-time.Minute),
	}
}

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing name", func(ev *Event) { ev.Name = "" }, "name"},
		{"name too long", func(ev *Event) { ev.Name = strings.Repeat("a", 256) }, "name"},
		{"name bad charset", func(ev *Event) { ev.Name = "page view!" }, "name"},
		{"session id too long", func(ev *Event) { ev.SessionID = strings.Repeat("s", 256) }, "sessionId"},
		{"principal id too long", func(ev *Event) { ev.PrincipalID = strings.Repeat("p", 256) }, "principalId"},
		{"missing occurredAt", func(ev *Event) { ev.OccurredAt = time.Time{} }, "occurredAt"},
		{"future occurredAt", func(ev *Event) { ev.OccurredAt = testNow.Add(time.Hour) }, "occurredAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)
			errs := ValidateEvent(ev, testNow, DefaultClockSkew)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}

	t.Run("valid event passes", func(t *testing.T) {
		assert.Empty(t, ValidateEvent(validEvent(), testNow, DefaultClockSkew))
	})

	t.Run("skew tolerates slightly future timestamps", func(t *testing.T) {
		ev := validEvent()
		ev.OccurredAt = testNow.Add(time.Minute)
		assert.Empty(t, ValidateEvent(ev, testNow, DefaultClockSkew))
	})
}

func TestValidateProperties(t *testing.T) {
	t.Run("too many keys", func(t *testing.T) {
		ev := validEvent()
		ev.Properties = Properties{}
		for i := 0; i < MaxPropertyKeys+1; i++ {
			ev.Properties[fmt.Sprintf("k%d", i)] = NumberValue(float64(i))
		}
		errs := ValidateEvent(ev, testNow, DefaultClockSkew)
		require.NotEmpty(t, errs)
		assert.Equal(t, "properties", errs[0].Field)
	})

	t.Run("string value too long", func(t *testing.T) {
		ev := validEvent()
		ev.Properties = Properties{"note": StringValue(strings.Repeat("x", MaxStringValueLen+1))}
		errs := ValidateEvent(ev, testNow, DefaultClockSkew)
		require.Len(t, errs, 1)
		assert.Equal(t, "properties.note", errs[0].Field)
	})

	t.Run("array too long", func(t *testing.T) {
		elems := make([]Value, MaxArrayValueLen+1)
		for i := range elems {
			elems[i] = NumberValue(float64(i))
		}
		ev := validEvent()
		ev.Properties = Properties{"items": {Type: TypeArray, Arr: elems}}
		errs := ValidateEvent(ev, testNow, DefaultClockSkew)
		require.Len(t, errs, 1)
		assert.Equal(t, "properties.items", errs[0].Field)
	})

	t.Run("bounded values pass", func(t *testing.T) {
		ev := validEvent()
		ev.Properties = Properties{
			"plan":  StringValue("pro"),
			"seats": NumberValue(3),
			"tags":  ArrayValue(StringValue("a"), StringValue("b")),
		}
		assert.Empty(t, ValidateEvent(ev, testNow, DefaultClockSkew))
	})
}

func TestValidateBatch(t *testing.T) {
	t.Run("empty batch rejected", func(t *testing.T) {
		_, err := ValidateBatch(nil, 100, testNow, DefaultClockSkew)
		require.Error(t, err)
	})

	t.Run("oversize batch rejected", func(t *testing.T) {
		events := []*Event{validEvent(), validEvent(), validEvent()}
		_, err := ValidateBatch(events, 2, testNow, DefaultClockSkew)
		require.Error(t, err)
	})

	t.Run("one bad item fails whole batch with index detail", func(t *testing.T) {
		bad := validEvent()
		bad.Name = ""
		events := []*Event{validEvent(), bad, validEvent()}
		allErrs, err := ValidateBatch(events, 100, testNow, DefaultClockSkew)
		require.Error(t, err)
		require.Len(t, allErrs, 3)
		assert.Empty(t, allErrs[0])
		assert.NotEmpty(t, allErrs[1])
		assert.Empty(t, allErrs[2])
	})
}
