package blob

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b, err := Encode(map[string]any{"lead": "l-1", "score": 7})
	require.NoError(t, err)
	assert.Equal(t, `{"lead":"l-1","score":7}`, b.String())

	b, err = Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, Null, b)

	b, err = Encode(Blob(`  "A-done" `))
	require.NoError(t, err)
	assert.Equal(t, `  "A-done" `, b.String(), "raw payloads pass through byte-for-byte")

	_, err = Encode(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	b, err := Parse(`[1,2,3]`)
	require.NoError(t, err)
	assert.Equal(t, Blob(`[1,2,3]`), b)

	b, err = Parse("")
	require.NoError(t, err)
	assert.True(t, b.IsNull())

	_, err = Parse(`{"a":`)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, Blob(`{"count":3}`).Decode(&out))
	assert.Equal(t, 3, out.Count)

	assert.Error(t, Blob(nil).Decode(&out))
}

func TestMarshalJSON_EmbedsVerbatim(t *testing.T) {
	type envelope struct {
		Output Blob `json:"output"`
		Empty  Blob `json:"empty"`
	}
	data, err := json.Marshal(envelope{Output: Blob(`{"b":1,"a":2}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"output":{"b":1,"a":2},"empty":null}`, string(data))

	var back envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, `{"b":1,"a":2}`, back.Output.String())
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b": 1, "a": {"d": true, "c": null}}`, `{"a":{"c":null,"d":true},"b":1}`},
		{"number literal kept", `[1.50, 10, -0]`, `[1.50,10,-0]`},
		{"no html escaping", `{"q": "<a&b>"}`, `{"q":"<a&b>"}`},
		{"nfc normalized", "\"e\u0301\"", "\"\u00e9\""},
		{"utf16 key order", `{"ｚ": 1, "😀": 2}`, `{"😀":2,"ｚ":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(Blob(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonical_RejectsTrailingData(t *testing.T) {
	_, err := Canonical(Blob(`{} {}`))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(Blob(`{"x":1,"y":2}`))
	require.NoError(t, err)
	b, err := Fingerprint(Blob(`{ "y": 2, "x": 1 }`))
	require.NoError(t, err)
	c, err := Fingerprint(Blob(`{"x":1,"y":3}`))
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	assert.True(t, Equivalent(Blob(`{"x":1,"y":2}`), Blob(`{"y":2,"x":1}`)))
	assert.False(t, Equivalent(Blob(`{"x":1}`), Blob(`{bad`)))
}

func TestClone(t *testing.T) {
	orig := Blob(`"abc"`)
	cp := orig.Clone()
	cp[1] = 'z'
	assert.Equal(t, `"abc"`, orig.String())
	assert.Nil(t, Blob(nil).Clone())
}
