package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nimbusrpc/nimbus/codec"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestJSONRoundTrip(t *testing.T) {
	data, err := codec.JSON.Marshal(point{X: 1, Y: 2})
	require.NoError(t, err)

	var out point
	require.NoError(t, codec.JSON.Unmarshal(data, &out))
	require.Equal(t, point{X: 1, Y: 2}, out)
}

func TestJSONDecodeFailureWraps(t *testing.T) {
	var out point
	err := codec.JSON.Unmarshal([]byte("not json"), &out)
	require.Error(t, err)
	var decodeErr *codec.ErrDecodeFailed
	require.ErrorAs(t, err, &decodeErr)
}

func TestProtoRoundTrip(t *testing.T) {
	msg := wrapperspb.String("hello")
	data, err := codec.Proto.Marshal(msg)
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, codec.Proto.Unmarshal(data, out))
	require.Equal(t, "hello", out.GetValue())
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	require.Equal(t, codec.JSON, codec.Lookup("JSON"))
	require.Equal(t, codec.Proto, codec.Lookup("proto"))
	require.Nil(t, codec.Lookup("msgpack"))
}
