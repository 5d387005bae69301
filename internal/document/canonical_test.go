package document

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"null", nil, "null"},
		{"int", int64(42), "42"},
		{"negative int", -100, "-100"},
		{"integral float", 3.0, "3"},
		{"fraction", 0.25, "0.25"},
		{"timestamp", 1500000000.125, "1500000000.125"},
		{"tiny", 1e-9, "1e-09"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"html not escaped", "<a&b>", `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	obj := map[string]any{
		"\uE000":     int64(1), // UTF-16: 0xE000
		"\U00010000": int64(2), // UTF-16: 0xD800 0xDC00
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	out, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	out, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	out, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": []any{1.0, nan()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
}

func TestMarshalCanonicalGolden(t *testing.T) {
	doc, err := Decode([]byte(`{
		"uid": "abc",
		"time": 1500000000.5,
		"plan_name": "count",
		"scan_id": 3,
		"sample": {"name": "Si", "<b>": "x"},
		"detectors": ["det1", "det2"],
		"ok": true,
		"note": null
	}`))
	require.NoError(t, err)

	out, err := MarshalCanonical(doc)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "start_document", out)
}

func TestFingerprintIgnoresKeyOrderAndNumberForm(t *testing.T) {
	a, err := Decode([]byte(`{"uid":"u1","time":10,"x":{"b":1,"a":2}}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{"x":{"a":2.0,"b":1},"time":10.0,"uid":"u1"}`))
	require.NoError(t, err)

	same, err := SameContent(KindStart, a, b)
	require.NoError(t, err)
	assert.True(t, same)

	fa, err := Fingerprint(KindStart, a)
	require.NoError(t, err)
	fs, err := Fingerprint(KindStop, a)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fs, "kinds must not share fingerprints")
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
