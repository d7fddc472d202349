package detect

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultRemoteMethod is the unary method a remote scorer serves. Request and
// response are google.protobuf.Struct messages.
const DefaultRemoteMethod = "/go2netguard.scorer.v1.Scorer/Score"

// RemoteModel delegates one ensemble vote to an external classifier service.
// The request carries every named feature; the response carries either
// {"prediction": "attack"|"normal", "confidence": x} or {"anomaly": bool, "score": x}.
type RemoteModel struct {
	name    string
	kind    model.ModelKind
	method  string
	timeout time.Duration
	conn    *grpc.ClientConn
}

// NewRemoteModel creates the client. The connection is established lazily by grpc.
func NewRemoteModel(cfg config.MemberConfig, opts ...grpc.DialOption) (*RemoteModel, error) {
	if cfg.Address == "" {
		return nil, errors.New(errors.KindValidation, "remote scoring model needs an address")
	}
	kind := model.ModelKind(strings.ToLower(cfg.Kind))
	switch kind {
	case "":
		kind = model.KindClassifier
	case model.KindClassifier, model.KindAnomaly:
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown remote model kind %q", cfg.Kind)
	}
	method := cfg.Method
	if method == "" {
		method = DefaultRemoteMethod
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for scoring service %s: %w", cfg.Address, err)
	}
	return &RemoteModel{
		name:    cfg.Name,
		kind:    kind,
		method:  method,
		timeout: cfg.Timeout.D(),
		conn:    conn,
	}, nil
}

func (r *RemoteModel) Name() string          { return r.name }
func (r *RemoteModel) Kind() model.ModelKind { return r.kind }

func (r *RemoteModel) Evaluate(ctx context.Context, fv model.FeatureVector) (model.Vote, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	fields := make(map[string]any, len(model.FeatureNames))
	for name, v := range fv.Map() {
		fields[name] = v
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return model.Vote{}, errors.Wrap(err, errors.KindInternal, "failed to encode features")
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, r.method, req, resp); err != nil {
		return model.Vote{}, errors.Wrapf(err, errors.KindUnavailable, "scoring service %s", r.name)
	}
	return decodeVote(r.kind, resp)
}

func decodeVote(kind model.ModelKind, resp *structpb.Struct) (model.Vote, error) {
	f := resp.GetFields()
	if kind == model.KindAnomaly {
		anomaly, ok := f["anomaly"]
		if !ok {
			return model.Vote{}, errors.New(errors.KindValidation, "response lacks 'anomaly'")
		}
		return model.Vote{Positive: anomaly.GetBoolValue(), Value: f["score"].GetNumberValue()}, nil
	}
	pred, ok := f["prediction"]
	if !ok {
		return model.Vote{}, errors.New(errors.KindValidation, "response lacks 'prediction'")
	}
	return model.Vote{
		Positive: strings.EqualFold(pred.GetStringValue(), string(model.LabelAttack)),
		Value:    f["confidence"].GetNumberValue(),
	}, nil
}

// Close releases the client connection.
func (r *RemoteModel) Close() error {
	return r.conn.Close()
}
