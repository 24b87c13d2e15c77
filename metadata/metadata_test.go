package metadata_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus/metadata"
)

func TestClientRequestCarriesPathAndRouting(t *testing.T) {
	md := metadata.ForClientRequest("Calc", "Add", "node-1")

	path, ok := md.Get(metadata.KeyPath)
	require.True(t, ok)
	require.Equal(t, "/Calc/Add", path)
	require.Equal(t, "Calc", md.ServiceName())
	require.Equal(t, "Add", md.MethodName())

	authority, ok := md.Get(":authority")
	require.True(t, ok)
	require.Equal(t, "node-1", authority)
}

func TestLookupIsFirstMatchAndCaseSensitive(t *testing.T) {
	md := metadata.New("k", "first")
	md.Append("k", "second")

	v, ok := md.Get("k")
	require.True(t, ok)
	require.Equal(t, "first", v)

	_, ok = md.Get("K")
	require.False(t, ok)
}

func TestPairsPreserveInsertionOrder(t *testing.T) {
	md := metadata.New("a", "1", "b", "2")
	md.Append("a", "3")
	require.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}, {"a", "3"}}, md.Pairs())
}

func TestMalformedPathYieldsEmptyNames(t *testing.T) {
	md := metadata.New(metadata.KeyPath, "no-leading-slash")
	require.Empty(t, md.ServiceName())
	require.Empty(t, md.MethodName())

	md = metadata.New(metadata.KeyPath, "/only-service")
	require.Empty(t, md.ServiceName())
}

func TestTrailerStatusRoundTrip(t *testing.T) {
	md := metadata.ForTrailer(13, "boom")
	code, message, ok := metadata.TrailerStatus(md)
	require.True(t, ok)
	require.Equal(t, uint32(13), code)
	require.Equal(t, "boom", message)

	_, _, ok = metadata.TrailerStatus(metadata.New("unrelated", "x"))
	require.False(t, ok)
}

func TestTrailerMessageTruncatedAt8KiB(t *testing.T) {
	long := strings.Repeat("x", 10*1024)
	md := metadata.ForTrailer(2, long)
	_, message, ok := metadata.TrailerStatus(md)
	require.True(t, ok)
	require.Len(t, message, 8*1024)
}

func TestTimeoutRoundTrip(t *testing.T) {
	encoded := metadata.EncodeTimeout(1500 * time.Millisecond)
	d, ok := metadata.DecodeTimeout(encoded)
	require.True(t, ok)
	require.Equal(t, 1500*time.Millisecond, d)

	// Sub-millisecond deadlines round up rather than encoding zero.
	d, ok = metadata.DecodeTimeout(metadata.EncodeTimeout(time.Microsecond))
	require.True(t, ok)
	require.Equal(t, time.Millisecond, d)

	_, ok = metadata.DecodeTimeout("")
	require.False(t, ok)
	_, ok = metadata.DecodeTimeout("12x")
	require.False(t, ok)
	_, ok = metadata.DecodeTimeout("m")
	require.False(t, ok)
}
