package status_test

import (
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/status"
)

func TestErrorCarriesCodeAndMessage(t *testing.T) {
	err := status.Error(codes.NotFound, "no such user")
	s, ours := status.FromError(err)
	require.True(t, ours)
	require.Equal(t, codes.NotFound, s.Code())
	require.Equal(t, "no such user", s.Message())
}

func TestOKProducesNilError(t *testing.T) {
	require.NoError(t, status.New(codes.OK, "fine").Err())

	s, ours := status.FromError(nil)
	require.True(t, ours)
	require.Equal(t, codes.OK, s.Code())
}

func TestForeignErrorConvertsToUnknown(t *testing.T) {
	s, ours := status.FromError(fmt.Errorf("plain"))
	require.False(t, ours)
	require.Equal(t, codes.Unknown, s.Code())
	require.Equal(t, "plain", s.Message())
}

func TestConvertSeesThroughWrapping(t *testing.T) {
	inner := status.Error(codes.InvalidArgument, "bad input")
	wrapped := pkgerrors.Wrap(inner, "while validating")
	require.Equal(t, codes.InvalidArgument, status.Convert(wrapped).Code())
}

func TestWrapRetainsCauseForErrorsIs(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := status.Wrap(cause, codes.Unavailable, "dialing peer").Err()
	require.Error(t, err)
	require.ErrorIs(t, err, cause)
	require.Equal(t, codes.Unavailable, status.Convert(err).Code())
}

func TestLongMessageTruncated(t *testing.T) {
	s := status.New(codes.Internal, strings.Repeat("y", 20*1024))
	require.Len(t, s.Message(), 8*1024)
}
