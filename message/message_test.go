package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studio-ousia/mprpc/protocol"
)

func TestRequestFrame(t *testing.T) {
	req := &Request{ID: 7, Method: "sum"}
	frame := req.Frame()

	require.Len(t, frame, protocol.FrameLen)
	assert.Equal(t, protocol.MsgTypeRequest, frame[0])
	assert.Equal(t, uint32(7), frame[1])
	assert.Equal(t, "sum", frame[2])
	assert.Equal(t, []any{}, frame[3], "nil params must go out as an empty array")
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]any{int64(0), int64(3), "echo", []any{"hi", int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), req.ID)
	assert.Equal(t, "echo", req.Method)
	assert.Equal(t, []any{"hi", int64(2)}, req.Params)

	req, err = ParseRequest([]any{uint64(0), uint64(4), []byte("echo"), []any{}})
	require.NoError(t, err)
	assert.Equal(t, "echo", req.Method)
}

func TestParseRequestInvalid(t *testing.T) {
	cases := map[string]any{
		"not an array":    "hello",
		"wrong arity":     []any{int64(0), int64(1), "echo"},
		"response tag":    []any{int64(1), int64(1), "echo", []any{}},
		"string id":       []any{int64(0), "1", "echo", []any{}},
		"negative id":     []any{int64(0), int64(-1), "echo", []any{}},
		"id overflow":     []any{int64(0), int64(protocol.MaxMsgID) + 1, "echo", []any{}},
		"numeric method":  []any{int64(0), int64(1), int64(5), []any{}},
		"params not list": []any{int64(0), int64(1), "echo", "x"},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrProtocol))

			var perr *protocol.ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]any{int64(1), int64(9), nil, "ok"})
	require.NoError(t, err)
	assert.Equal(t, uint32(9), resp.ID)
	assert.False(t, resp.Failed())
	assert.Equal(t, "ok", resp.Result)

	resp, err = ParseResponse([]any{int64(1), int64(9), "boom", nil})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, "boom", resp.ErrorMessage())

	resp, err = ParseResponse([]any{int64(1), int64(9), nil, nil})
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
}

func TestParseResponseInvalid(t *testing.T) {
	_, err := ParseResponse([]any{int64(0), int64(1), nil, "ok"})
	assert.ErrorIs(t, err, protocol.ErrProtocol)

	_, err = ParseResponse([]any{int64(1), 1.5, nil, "ok"})
	assert.ErrorIs(t, err, protocol.ErrProtocol)

	_, err = ParseResponse([]any{int64(1), int64(1), "boom", "ok"})
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse(5, "ignored", errors.New("error msg"))
	assert.Equal(t, []any{protocol.MsgTypeResponse, uint32(5), "error msg", nil}, resp.Frame())

	resp = NewResponse(6, int64(3), nil)
	assert.Equal(t, []any{protocol.MsgTypeResponse, uint32(6), nil, int64(3)}, resp.Frame())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "raw", (&Response{Error: []byte("raw")}).ErrorMessage())
	assert.Equal(t, "[code 3]", (&Response{Error: []any{"code", int64(3)}}).ErrorMessage())
	assert.Equal(t, "", (&Response{}).ErrorMessage())
}
