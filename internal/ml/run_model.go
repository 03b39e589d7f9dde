package ml

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The model service is the Python process that owns the network weights.
// Tensors travel as little-endian float32 bytes; their shape and the model
// handle travel as metadata.
const (
	ServiceName     = "changedetection.ModelService"
	LoadModelMethod = "/" + ServiceName + "/LoadModel"
	PredictMethod   = "/" + ServiceName + "/Predict"

	ShapeHeader   = "x-tensor-shape"
	ModelIDHeader = "x-model-id"

	MaxMessageSize = 64 * 1024 * 1024
)

// GRPCEngine runs inference on a remote model service.
type GRPCEngine struct {
	conn *grpc.ClientConn
}

// NewGRPCEngine connects to the model service at addr. Extra dial options are
// appended to the defaults.
func NewGRPCEngine(addr string, opts ...grpc.DialOption) (*GRPCEngine, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server: %v", err)
	}
	return &GRPCEngine{conn: conn}, nil
}

func (e *GRPCEngine) Close() error {
	return e.conn.Close()
}

func (e *GRPCEngine) LoadModel(ctx context.Context, path string) (Model, error) {
	var id wrapperspb.StringValue
	if err := e.conn.Invoke(ctx, LoadModelMethod, wrapperspb.String(path), &id); err != nil {
		return nil, fmt.Errorf("error calling LoadModel for %s: %v", path, err)
	}
	if id.GetValue() == "" {
		return nil, fmt.Errorf("model service returned no id for %s", path)
	}
	return &grpcModel{conn: e.conn, id: id.GetValue()}, nil
}

type grpcModel struct {
	conn *grpc.ClientConn
	id   string
}

func (m *grpcModel) Predict(ctx context.Context, batch Tensor) (Tensor, error) {
	if err := batch.Validate(); err != nil {
		return Tensor{}, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		ModelIDHeader, m.id,
		ShapeHeader, FormatShape(batch.Shape),
	)

	var header metadata.MD
	var resp wrapperspb.BytesValue
	if err := m.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(EncodeFloat32(batch.Data)), &resp, grpc.Header(&header)); err != nil {
		return Tensor{}, fmt.Errorf("error calling Predict: %v", err)
	}

	values := header.Get(ShapeHeader)
	if len(values) == 0 {
		return Tensor{}, fmt.Errorf("model service returned no %s header", ShapeHeader)
	}
	shape, err := ParseShape(values[0])
	if err != nil {
		return Tensor{}, err
	}
	data, err := DecodeFloat32(resp.GetValue())
	if err != nil {
		return Tensor{}, err
	}
	out := Tensor{Shape: shape, Data: data}
	if err := out.Validate(); err != nil {
		return Tensor{}, fmt.Errorf("invalid prediction: %w", err)
	}
	return out, nil
}

func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func ParseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid tensor shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

func EncodeFloat32(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func DecodeFloat32(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not a float32 array", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values, nil
}
