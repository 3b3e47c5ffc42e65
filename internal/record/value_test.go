package record

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTripKeepsNumberText(t *testing.T) {
	v, err := Parse([]byte(`{"b":[1,2.50,"x",null,true],"a":{"n":12345678901234567890}}`))
	require.NoError(t, err)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"n":12345678901234567890},"b":[1,2.50,"x",null,true]}`, string(out))
	assert.Contains(t, string(out), "2.50")
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"same map different order", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"int and float", `{"a":1}`, `{"a":1.0}`, true},
		{"different values", `{"a":1}`, `{"a":2}`, false},
		{"string vs number", `{"a":"1"}`, `{"a":1}`, false},
		{"list order matters", `[1,2]`, `[2,1]`, false},
		{"extra key", `{"a":1}`, `{"a":1,"b":null}`, false},
		{"nulls", `null`, `null`, true},
		{"nested", `{"a":[{"x":true}]}`, `{"a":[{"x":true}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.a))
			require.NoError(t, err)
			b, err := Parse([]byte(tt.b))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Equal(a, b))
		})
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "5", Int(5).Text())
	assert.Equal(t, "5", Number("5.0").Text())
	assert.Equal(t, "2024-01-01", String("2024-01-01").Text())
	assert.Equal(t, "true", Bool(true).Text())
	assert.Equal(t, "", Null.Text())
	assert.Equal(t, `{"a":[1,"b"]}`, MustFromAny(map[string]any{"a": []any{1, "b"}}).Text())
}

func TestBuildersDoNotMutateReceiver(t *testing.T) {
	base := MustFromAny(map[string]any{"a": 1})
	updated := base.With("b", Int(2))

	assert.False(t, base.Has("b"))
	assert.True(t, updated.Has("b"))

	list := List(Int(1))
	longer := list.Append(Int(2))
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, 2, longer.Len())

	items := longer.Items()
	items[0] = String("changed")
	first, _ := longer.Index(0)
	assert.True(t, Equal(first, Int(1)))

	trimmed := updated.Without("a")
	assert.True(t, updated.Has("a"))
	assert.False(t, trimmed.Has("a"))
}

func TestWithOnNonMapStartsFresh(t *testing.T) {
	v := String("oops").With("a", Int(1))
	require.True(t, v.IsMap())
	assert.Equal(t, []string{"a"}, v.Keys())
}

func TestLookup(t *testing.T) {
	v := MustFromAny(map[string]any{
		"vaccineSchedule": map[string]any{"vaccine_schedule": []any{}},
	})
	got, ok := v.Lookup("vaccineSchedule", "vaccine_schedule")
	require.True(t, ok)
	assert.True(t, got.IsList())

	_, ok = v.Lookup("vaccineSchedule", "missing")
	assert.False(t, ok)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, Null.IsEmpty())
	assert.True(t, String("").IsEmpty())
	assert.True(t, List().IsEmpty())
	assert.True(t, EmptyMap().IsEmpty())
	assert.False(t, Int(0).IsEmpty())
	assert.False(t, Bool(false).IsEmpty())
}

func TestParsePatient(t *testing.T) {
	p, err := ParsePatient([]byte(`{"patientID": 42, "personInformation": {"given_name": "Ada"}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", p.ID())

	section, ok := p.Section("personInformation")
	require.True(t, ok)
	assert.True(t, section.IsMap())

	_, err = ParsePatient([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestPatientJSON(t *testing.T) {
	var p Patient
	require.NoError(t, json.Unmarshal([]byte(`{"patientID":"P-1","vitals":{"saved":[]}}`), &p))
	assert.Equal(t, "P-1", p.ID())

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"patientID":"P-1","vitals":{"saved":[]}}`, string(out))
}

func TestCanonicalIsStable(t *testing.T) {
	a, _ := Parse([]byte(`{"z":1.0,"a":[true,null]}`))
	b, _ := Parse([]byte(`{"a":[true,null],"z":1}`))
	assert.Equal(t, string(a.Canonical()), string(b.Canonical()))
}

func TestFromAnyRejectsNonFiniteFloats(t *testing.T) {
	for _, f := range []any{math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
		_, err := FromAny(map[string]any{"weight": []any{f}})
		assert.Error(t, err, "%v", f)
	}

	v, err := FromAny(2.5)
	require.NoError(t, err)
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "2.5", string(data))
}
