package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallEnvelope(t *testing.T) {
	t.Run("EncodeCall writes operation and ordered params", func(t *testing.T) {
		body, err := EncodeCall("add", []any{1, 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"operation":"add","params":[1,2]}`, string(body))
	})

	t.Run("nil params encode as an empty list", func(t *testing.T) {
		body, err := EncodeCall("ping", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"operation":"ping","params":[]}`, string(body))
	})

	t.Run("unencodable params fail", func(t *testing.T) {
		_, err := EncodeCall("add", []any{make(chan int)})
		assert.Error(t, err)
	})

	t.Run("DecodeCall keeps params raw", func(t *testing.T) {
		call, err := DecodeCall([]byte(`{"operation":"greet","params":["bob",{"loud":true}]}`))
		require.NoError(t, err)

		assert.Equal(t, "greet", call.Operation)
		require.Len(t, call.Params, 2)
		assert.JSONEq(t, `"bob"`, string(call.Params[0]))
		assert.JSONEq(t, `{"loud":true}`, string(call.Params[1]))
	})

	t.Run("DecodeCall tolerates missing params and operation", func(t *testing.T) {
		call, err := DecodeCall([]byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, "", call.Operation)
		assert.NotNil(t, call.Params)
		assert.Empty(t, call.Params)
	})

	t.Run("DecodeCall rejects invalid JSON", func(t *testing.T) {
		for _, body := range []string{`not json`, `{"operation":"add","params":{"a":1}}`, `[1,2]`} {
			_, err := DecodeCall([]byte(body))
			var decErr *DecodeError
			assert.ErrorAs(t, err, &decErr, body)
			assert.ErrorIs(t, err, ErrMalformedEnvelope, body)
		}
	})
}

func TestResponseEnvelope(t *testing.T) {
	t.Run("result round trip", func(t *testing.T) {
		body, err := EncodeResult(map[string]int{"sum": 3})
		require.NoError(t, err)
		assert.JSONEq(t, `{"result":{"sum":3}}`, string(body))

		resp, err := DecodeResponse(body)
		require.NoError(t, err)
		assert.False(t, resp.IsError())
		assert.JSONEq(t, `{"sum":3}`, string(resp.Result))
	})

	t.Run("null result is still a result", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"result":null}`))
		require.NoError(t, err)
		assert.False(t, resp.IsError())
		assert.Equal(t, "null", string(resp.Result))
	})

	t.Run("error reply", func(t *testing.T) {
		body, err := EncodeError("unknown operation")
		require.NoError(t, err)
		assert.JSONEq(t, `{"error":"unknown operation"}`, string(body))

		resp, err := DecodeResponse(body)
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Equal(t, "unknown operation", *resp.Err)
	})

	t.Run("non-string error is kept verbatim", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"error":{"code":7}}`))
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Equal(t, `{"code":7}`, *resp.Err)
	})

	t.Run("unset error members are ignored", func(t *testing.T) {
		for _, body := range []string{
			`{"result":1,"error":null}`,
			`{"result":1,"error":""}`,
			`{"result":1,"error":false}`,
		} {
			resp, err := DecodeResponse([]byte(body))
			require.NoError(t, err, body)
			assert.False(t, resp.IsError(), body)
			assert.Equal(t, "1", string(resp.Result), body)
		}

		_, err := DecodeResponse([]byte(`{"error":null}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("reply without result or error is malformed", func(t *testing.T) {
		_, err := DecodeResponse([]byte(`{"value":1}`))
		assert.True(t, errors.Is(err, ErrMalformedEnvelope))
	})

	t.Run("params decode into caller types", func(t *testing.T) {
		call, err := NewCall("scale", 2.5, []string{"a", "b"})
		require.NoError(t, err)

		var factor float64
		var names []string
		require.NoError(t, json.Unmarshal(call.Params[0], &factor))
		require.NoError(t, json.Unmarshal(call.Params[1], &names))
		assert.Equal(t, 2.5, factor)
		assert.Equal(t, []string{"a", "b"}, names)
	})
}
