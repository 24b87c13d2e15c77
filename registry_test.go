package nimbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus"
	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/status"
)

func echoUnary() nimbus.MethodRegistration {
	return nimbus.MethodRegistration{
		Name:       "Echo",
		Kind:       nimbus.Unary,
		NewRequest: func() interface{} { return new(string) },
		Unary: func(ctx context.Context, req interface{}) (interface{}, error) {
			return req, nil
		},
	}
}

func TestDuplicateMethodFailsAlreadyExists(t *testing.T) {
	r := nimbus.NewRegistry()
	require.NoError(t, r.RegisterContract(nimbus.Contract{
		ServiceName: "Echo",
		Methods:     []nimbus.MethodRegistration{echoUnary()},
	}))

	err := r.RegisterContract(nimbus.Contract{
		ServiceName: "Echo",
		Methods:     []nimbus.MethodRegistration{echoUnary()},
	})
	require.Error(t, err)
	require.Equal(t, codes.AlreadyExists, status.Convert(err).Code())
}

func TestDuplicateAcrossSubContractsFails(t *testing.T) {
	r := nimbus.NewRegistry()
	err := r.RegisterContract(nimbus.Contract{
		ServiceName: "Parent",
		SubContracts: []nimbus.Contract{
			{ServiceName: "Child", Methods: []nimbus.MethodRegistration{echoUnary()}},
			{ServiceName: "Child", Methods: []nimbus.MethodRegistration{echoUnary()}},
		},
	})
	require.Error(t, err)
	require.Equal(t, codes.AlreadyExists, status.Convert(err).Code())
}

func TestSubContractMethodsExposedUnderOwnServiceName(t *testing.T) {
	r := nimbus.NewRegistry()
	require.NoError(t, r.RegisterContract(nimbus.Contract{
		ServiceName: "Parent",
		Methods:     []nimbus.MethodRegistration{echoUnary()},
		SubContracts: []nimbus.Contract{
			{ServiceName: "Child", Methods: []nimbus.MethodRegistration{echoUnary()}},
		},
	}))

	services := map[string]bool{}
	for _, d := range r.Methods() {
		services[d.Service] = true
	}
	require.True(t, services["Parent"])
	require.True(t, services["Child"])
}

func TestKindHandlerMismatchRejected(t *testing.T) {
	r := nimbus.NewRegistry()
	m := echoUnary()
	m.Kind = nimbus.ServerStream // declared streaming, wired unary
	err := r.RegisterContract(nimbus.Contract{
		ServiceName: "Echo",
		Methods:     []nimbus.MethodRegistration{m},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Convert(err).Code())
}

func TestRegistrationAfterFreezeFails(t *testing.T) {
	r := nimbus.NewRegistry()
	r.Freeze()
	err := r.RegisterContract(nimbus.Contract{
		ServiceName: "Echo",
		Methods:     []nimbus.MethodRegistration{echoUnary()},
	})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Convert(err).Code())
}

func TestMissingNewRequestRejected(t *testing.T) {
	r := nimbus.NewRegistry()
	m := echoUnary()
	m.NewRequest = nil
	err := r.RegisterContract(nimbus.Contract{
		ServiceName: "Echo",
		Methods:     []nimbus.MethodRegistration{m},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Convert(err).Code())
}
