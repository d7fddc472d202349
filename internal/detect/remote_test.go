package detect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
)

type scorerService interface{}

// startScorer serves DefaultRemoteMethod over an in-memory listener.
func startScorer(t *testing.T, handle func(*structpb.Struct) (*structpb.Struct, error)) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "go2netguard.scorer.v1.Scorer",
		HandlerType: (*scorerService)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Score",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return handle(in)
			},
		}},
	}, struct{}{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestRemoteClassifier(t *testing.T) {
	dialer := startScorer(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		pps := in.GetFields()["packets_per_second"].GetNumberValue()
		if pps > 500 {
			return structpb.NewStruct(map[string]any{"prediction": "attack", "confidence": 0.8})
		}
		return structpb.NewStruct(map[string]any{"prediction": "normal", "confidence": 0.9})
	})

	m, err := NewRemoteModel(config.MemberConfig{
		Name:    "remote-rf",
		Address: "passthrough:///bufnet",
		Timeout: config.Duration(time.Second),
	}, dialer)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, model.KindClassifier, m.Kind())

	vote, err := m.Evaluate(context.Background(), attackVector())
	require.NoError(t, err)
	assert.True(t, vote.Positive)
	assert.Equal(t, 0.8, vote.Value)

	vote, err = m.Evaluate(context.Background(), normalVector())
	require.NoError(t, err)
	assert.False(t, vote.Positive)
}

func TestRemoteAnomalyDetector(t *testing.T) {
	dialer := startScorer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"anomaly": true, "score": -0.4})
	})
	m, err := NewRemoteModel(config.MemberConfig{Name: "iso", Kind: "anomaly", Address: "passthrough:///bufnet"}, dialer)
	require.NoError(t, err)
	defer m.Close()

	e := NewEnsemble(Options{AttackThreshold: 0.7, SuspiciousThreshold: 0.4}, Member{Model: m, Weight: 1})
	v := e.Score(context.Background(), normalVector())
	assert.InDelta(t, 0.4, v.Score, 1e-9)
}

func TestRemoteFailureIsUnavailable(t *testing.T) {
	dialer := startScorer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "model not loaded")
	})
	m, err := NewRemoteModel(config.MemberConfig{Name: "down", Address: "passthrough:///bufnet"}, dialer)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Evaluate(context.Background(), normalVector())
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))

	e := NewEnsemble(Options{AttackThreshold: 0.7, SuspiciousThreshold: 0.4}, Member{Model: m, Weight: 0.6})
	v := e.Score(context.Background(), attackVector())
	assert.Contains(t, v.ContributingFactors, "down unavailable")
}

func TestRemoteConfigValidation(t *testing.T) {
	_, err := NewRemoteModel(config.MemberConfig{Name: "x"})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = NewRemoteModel(config.MemberConfig{Name: "x", Address: "localhost:1", Kind: "oracle"})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
