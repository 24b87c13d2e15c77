package frame_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus/frame"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	msgs := [][]byte{
		[]byte("hello"),
		{},
		[]byte("a slightly longer payload to exercise multi-byte lengths"),
	}

	var wire []byte
	for _, m := range msgs {
		wire = append(wire, frame.Encode(m)...)
	}

	p := frame.NewParser(0)
	got, err := p.Feed(wire)
	require.NoError(t, err)
	require.Equal(t, msgs, got)
	require.Zero(t, p.Pending())
}

func TestRoundTripAcrossArbitraryRechunking(t *testing.T) {
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three"), {}, []byte("five")}
	var wire []byte
	for _, m := range msgs {
		wire = append(wire, frame.Encode(m)...)
	}

	rng := rand.New(rand.NewSource(1))
	p := frame.NewParser(0)
	var got [][]byte
	for len(wire) > 0 {
		n := 1 + rng.Intn(len(wire))
		chunk := wire[:n]
		wire = wire[n:]
		frames, err := p.Feed(chunk)
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Equal(t, msgs, got)
}

func TestOversizeMessageIsTerminal(t *testing.T) {
	p := frame.NewParser(4)
	_, err := p.Feed(frame.Encode([]byte("toolong")))
	require.Error(t, err)
	var tooLarge *frame.ErrMessageTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestCompressedFlagRejected(t *testing.T) {
	wire := frame.Encode([]byte("x"))
	wire[0] = 1
	p := frame.NewParser(0)
	_, err := p.Feed(wire)
	require.ErrorIs(t, err, frame.ErrCompressionUnsupported)
}
