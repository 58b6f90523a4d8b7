package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"SettledForward/internal/observability"
	"SettledForward/internal/persistence"
	"SettledForward/internal/query"
	"SettledForward/internal/service"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "settledforward.v1.SettlementService"

	// RequestKeyHeader carries the idempotency key of an Execute call.
	RequestKeyHeader = "x-request-key"

	instrumentIDSize = 16
)

// Settlement is the service the transports drive.
type Settlement interface {
	Initialize(ctx context.Context, p service.InitParams) (uuid.UUID, settlement.Config, error)
	Config(ctx context.Context, id uuid.UUID) (settlement.Config, error)
	Execute(ctx context.Context, id uuid.UUID, requestKey string, in settlement.ExecuteInput) (settlement.ExecuteResult, error)
	ExecuteRaw(ctx context.Context, id uuid.UUID, requestKey string, input []byte) ([]byte, error)
}

// History reads the execution log.
type History interface {
	GetInstrument(ctx context.Context, id uuid.UUID) (*query.InstrumentResponse, error)
	ListExecutions(ctx context.Context, id uuid.UUID, limit int, after *query.Cursor) (*query.ExecutionPage, error)
	GetExecutionSummary(ctx context.Context, id uuid.UUID) (*query.ExecutionSummary, error)
}

// SettlementServer is the gRPC surface. Messages are well-known wrapper
// types so no generated code is needed:
//
//	Initialize: Struct{instrument_id?, strike, notional, is_linear, is_standard} -> StringValue(id)
//	GetConfig:  StringValue(id) -> BytesValue(config record)
//	Execute:    BytesValue(instrument uuid[16] || input[336]) -> BytesValue(result[24])
type SettlementServer interface {
	Initialize(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	GetConfig(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Execute(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc registers a SettlementServer with a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initialize", Handler: initializeHandler},
		{MethodName: "GetConfig", Handler: getConfigHandler},
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "settledforward/v1/settlement.proto",
}

func initializeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SettlementServer).Initialize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Initialize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SettlementServer).Initialize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getConfigHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SettlementServer).GetConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetConfig"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SettlementServer).GetConfig(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SettlementServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Execute"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SettlementServer).Execute(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer wraps the gRPC server and the gRPC-Gateway HTTP mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	gateway       *Gateway
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds the dependencies of the gRPC and HTTP surfaces.
type ServerDeps struct {
	Settlement    Settlement
	History       History // optional
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the settlement service registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	grpcServer.RegisterService(&ServiceDesc, &settlementServiceImpl{svc: deps.Settlement})

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		gateway:       NewGateway(deps.Settlement, deps.History, deps.Logger),
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON gateway and health endpoints (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := s.gateway.ServeMux()
	if err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// SettlementService gRPC implementation
// ============================================================================

type settlementServiceImpl struct {
	svc Settlement
}

func (s *settlementServiceImpl) Initialize(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	params, err := initParamsFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, _, err := s.svc.Initialize(ctx, params)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *settlementServiceImpl) GetConfig(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	id, err := uuid.Parse(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid instrument_id: %v", err)
	}

	cfg, err := s.svc.Config(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	record, err := cfg.MarshalBinary()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(record), nil
}

func (s *settlementServiceImpl) Execute(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	body := req.GetValue()
	if len(body) != instrumentIDSize+settlement.InputSize {
		return nil, status.Errorf(codes.InvalidArgument,
			"execute payload is %d bytes, want %d", len(body), instrumentIDSize+settlement.InputSize)
	}

	id, err := uuid.FromBytes(body[:instrumentIDSize])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid instrument_id: %v", err)
	}

	key, err := requestKey(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out, err := s.svc.ExecuteRaw(ctx, id, key, body[instrumentIDSize:])
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(out), nil
}

// EncodeExecutePayload frames an Execute request body.
func EncodeExecutePayload(id uuid.UUID, in settlement.ExecuteInput) ([]byte, error) {
	raw, err := in.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(id[:], raw...), nil
}

// requestKey reads the caller's idempotency key, generating one when absent.
func requestKey(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestKeyHeader); len(v) > 0 && v[0] != "" {
			if err := persistence.ValidateRequestKey(v[0]); err != nil {
				return "", fmt.Errorf("%s: %w", RequestKeyHeader, err)
			}
			return v[0], nil
		}
	}
	return uuid.NewString(), nil
}

func initParamsFromStruct(req *structpb.Struct) (service.InitParams, error) {
	var p service.InitParams
	fields := req.GetFields()

	if v, ok := fields["instrument_id"]; ok && v.GetStringValue() != "" {
		id, err := uuid.Parse(v.GetStringValue())
		if err != nil {
			return p, fmt.Errorf("invalid instrument_id: %v", err)
		}
		p.InstrumentID = id
	}

	strike, ok := fields["strike"]
	if !ok {
		return p, errors.New("strike is required")
	}
	switch k := strike.GetKind().(type) {
	case *structpb.Value_NumberValue:
		p.Strike = k.NumberValue
	case *structpb.Value_StringValue:
		f, err := strconv.ParseFloat(k.StringValue, 64)
		if err != nil {
			return p, fmt.Errorf("invalid strike: %v", err)
		}
		p.Strike = f
	default:
		return p, errors.New("strike must be a number")
	}

	notional, ok := fields["notional"]
	if !ok {
		return p, errors.New("notional is required")
	}
	n, err := uint64Value(notional)
	if err != nil {
		return p, fmt.Errorf("invalid notional: %v", err)
	}
	p.Notional = n

	p.IsLinear = fields["is_linear"].GetBoolValue()
	p.IsStandard = fields["is_standard"].GetBoolValue()
	return p, nil
}

// uint64Value accepts a decimal string, which keeps full precision, or a
// whole number that fits a float64 exactly.
func uint64Value(v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strconv.ParseUint(k.StringValue, 10, 64)
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f > 1<<53 || f != float64(uint64(f)) {
			return 0, fmt.Errorf("%v is not an exact unsigned integer", f)
		}
		return uint64(f), nil
	default:
		return 0, errors.New("expected a number or decimal string")
	}
}

// statusCode classifies a service error for both transports.
func statusCode(err error) codes.Code {
	switch {
	case service.IsNotFound(err), errors.Is(err, query.ErrInstrumentNotFound):
		return codes.NotFound
	case service.IsConflict(err):
		return codes.AlreadyExists
	case errors.Is(err, persistence.ErrInvalidRequestKey):
		return codes.InvalidArgument
	}

	var se *settlement.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case settlement.InvalidInput:
			return codes.InvalidArgument
		case settlement.MathError:
			return codes.OutOfRange
		}
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func toStatus(err error) error {
	return status.Error(statusCode(err), err.Error())
}
