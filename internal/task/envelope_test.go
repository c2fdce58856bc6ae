package task

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadDefaults(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Payload
	}{
		{"object", `{"file":"a.wav","prediction":"cat","confidence":0.25}`, Payload{"a.wav", "cat", 0.25}},
		{"string", `"{\"file\":\"a.wav\",\"prediction\":\"cat\",\"confidence\":1}"`, Payload{"a.wav", "cat", 1}},
		{"missing", `{}`, Payload{"unknown", "unknown", 0}},
		{"wrong types", `{"file":3,"prediction":null,"confidence":"high"}`, Payload{"unknown", "unknown", 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePayload(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodePayloadRejects(t *testing.T) {
	for _, raw := range []string{`"not json"`, `[1,2]`, `{"confidence":-0.1}`, `{"confidence":1.0001}`, `null`} {
		_, err := DecodePayload(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestItemHelpers(t *testing.T) {
	msg := "boom"
	assert.True(t, Item{Status: "ERROR"}.IsError())
	assert.True(t, Item{Status: ItemStatusError}.IsError())
	assert.True(t, Item{Status: ItemStatusSuccess}.IsSuccess())
	assert.True(t, Item{Status: "Success"}.IsSuccess())
	assert.Equal(t, "boom", Item{Message: &msg}.ErrorMessage())
	assert.Equal(t, "unknown error", Item{}.ErrorMessage())
	assert.False(t, Item{InferenceResult: json.RawMessage("null")}.HasPayload())
	assert.True(t, Item{InferenceResult: json.RawMessage(`{}`)}.HasPayload())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"processed_files":3,"results":[{"url":"a.wav","status":"queued","message":null}]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, env.ProcessedFiles)
	require.Len(t, env.Results, 1)
	assert.Equal(t, "a.wav", env.Results[0].URL)
	assert.False(t, env.Results[0].IsError())
	assert.False(t, env.Results[0].IsSuccess())

	env, err = DecodeEnvelope([]byte(`{"processed_files":0,"results":[]}`))
	require.NoError(t, err)
	assert.Empty(t, env.Results)

	_, err = DecodeEnvelope([]byte(`{"processed_files":4294967296,"results":[]}`))
	assert.ErrorIs(t, err, ErrEnvelopeDecode)
	_, err = DecodeEnvelope([]byte(`{"processed_files":1,"results":[{"url":"a.wav","status":null}]}`))
	assert.ErrorIs(t, err, ErrEnvelopeDecode)
}

func TestScaleConfidence(t *testing.T) {
	cases := map[float64]string{
		0:     "0",
		1:     "1000000000000000000",
		0.5:   "500000000000000000",
		0.9:   "900000000000000000",
		0.123: "123000000000000000",
	}
	for in, want := range cases {
		got, err := ScaleConfidence(in)
		require.NoError(t, err)
		assert.Equal(t, want, got.String(), "confidence %v", in)
	}
}

func TestScaleConfidenceRejectsOutOfRange(t *testing.T) {
	for _, c := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		_, err := ScaleConfidence(c)
		assert.ErrorIs(t, err, ErrConfidenceRange)
	}
}

func TestScaleConfidenceMonotonicAndReversible(t *testing.T) {
	prev := big.NewInt(-1)
	for i := 0; i <= 1000; i++ {
		c := float64(i) / 1000
		scaled, err := ScaleConfidence(c)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, scaled.Cmp(prev), 0, "not monotonic at %v", c)
		prev = scaled

		// Within half a unit of the decimal value.
		exact, ok := new(big.Rat).SetString(strconv.FormatFloat(c, 'g', -1, 64))
		require.True(t, ok)
		exact.Mul(exact, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
		diff := new(big.Rat).SetInt(scaled)
		diff.Sub(diff, exact)
		assert.LessOrEqual(t, diff.Abs(diff).Cmp(big.NewRat(1, 2)), 0)

		assert.InDelta(t, c, UnscaleConfidence(scaled), 1e-15)
	}
	assert.Zero(t, UnscaleConfidence(nil))
}
