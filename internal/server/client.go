package server

import (
	"context"
	"fmt"
	"strconv"

	"SettledForward/internal/service"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote SettlementService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended, so callers can replace the dialer in tests.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Initialize(ctx context.Context, p service.InitParams) (uuid.UUID, error) {
	fields := map[string]interface{}{
		"strike":      p.Strike,
		"notional":    strconv.FormatUint(p.Notional, 10),
		"is_linear":   p.IsLinear,
		"is_standard": p.IsStandard,
	}
	if p.InstrumentID != uuid.Nil {
		fields["instrument_id"] = p.InstrumentID.String()
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return uuid.Nil, err
	}

	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Initialize", req, out); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(out.GetValue())
}

func (c *Client) GetConfig(ctx context.Context, id uuid.UUID) (settlement.Config, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/GetConfig", wrapperspb.String(id.String()), out); err != nil {
		return settlement.Config{}, err
	}

	var cfg settlement.Config
	if err := cfg.UnmarshalBinary(out.GetValue()); err != nil {
		return settlement.Config{}, err
	}
	return cfg, nil
}

// Execute settles in remotely. An empty requestKey lets the server pick one.
func (c *Client) Execute(ctx context.Context, id uuid.UUID, requestKey string, in settlement.ExecuteInput) (settlement.ExecuteResult, error) {
	payload, err := EncodeExecutePayload(id, in)
	if err != nil {
		return settlement.ExecuteResult{}, err
	}
	if requestKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, RequestKeyHeader, requestKey)
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Execute", wrapperspb.Bytes(payload), out); err != nil {
		return settlement.ExecuteResult{}, err
	}

	var res settlement.ExecuteResult
	if err := res.UnmarshalBinary(out.GetValue()); err != nil {
		return settlement.ExecuteResult{}, err
	}
	return res, nil
}
