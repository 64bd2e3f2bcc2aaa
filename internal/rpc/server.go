// Package rpc exposes the facilitator over gRPC. Messages are
// google.protobuf.Struct values shaped by the types in wire.go.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"x402.org/facilitator/internal/audit"
	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ids"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/obs"
)

const (
	ServiceName = "x402.facilitator.v1.Facilitator"
	appName     = "x402-facilitator"

	// RequestIDHeader carries the call's request id in both directions.
	RequestIDHeader = "x-request-id"
)

// FacilitatorServer is the server API of the Facilitator service.
type FacilitatorServer interface {
	GetInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AuthorizeAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsAuthorized(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreatePaymentRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecutePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPaymentRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// mutating methods require an authenticated caller.
var mutating = map[string]bool{
	"/" + ServiceName + "/AuthorizeAgent":       true,
	"/" + ServiceName + "/RevokeAgent":          true,
	"/" + ServiceName + "/CreatePaymentRequest": true,
	"/" + ServiceName + "/ExecutePayment":       true,
}

// ServiceDesc describes the Facilitator service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FacilitatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetInfo", FacilitatorServer.GetInfo),
		unary("Login", FacilitatorServer.Login),
		unary("AuthorizeAgent", FacilitatorServer.AuthorizeAgent),
		unary("RevokeAgent", FacilitatorServer.RevokeAgent),
		unary("IsAuthorized", FacilitatorServer.IsAuthorized),
		unary("CreatePaymentRequest", FacilitatorServer.CreatePaymentRequest),
		unary("ExecutePayment", FacilitatorServer.ExecutePayment),
		unary("GetPaymentRequest", FacilitatorServer.GetPaymentRequest),
		unary("GetBalance", FacilitatorServer.GetBalance),
		unary("ListEvents", FacilitatorServer.ListEvents),
		unary("GetStats", FacilitatorServer.GetStats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "x402/facilitator/v1/facilitator.proto",
}

func unary(name string, call func(FacilitatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FacilitatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(FacilitatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server implements FacilitatorServer over a ledger.Service.
type Server struct {
	svc     ledger.Service
	tokens  *auth.Tokens
	owner   ledger.Address
	version string
	now     func() time.Time
}

var _ FacilitatorServer = (*Server)(nil)

// NewServer creates the service implementation.
func NewServer(svc ledger.Service, tokens *auth.Tokens, owner ledger.Address, version string) *Server {
	return &Server{svc: svc, tokens: tokens, owner: owner, version: version, now: time.Now}
}

// Register builds a grpc.Server carrying the Facilitator, health and reflection
// services, with logging and bearer-token interceptors.
func Register(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryRequestID(), UnaryLogging(), UnaryAuth(s.tokens)))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return gs, hs
}

func (s *Server) GetInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return Encode(InfoMsg{
		Name:    appName,
		Version: s.version,
		Owner:   s.owner.Hex(),
		Time:    s.now().UTC().Format(time.RFC3339),
	})
}

// Login exchanges a signed LoginMessage for a bearer token.
func (s *Server) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.tokens == nil {
		return nil, status.Error(codes.Unimplemented, "token issuance disabled")
	}
	var req LoginMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	addr, err := ParseAddress("address", req.Address)
	if err != nil || addr == (ledger.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "address: a non-zero address is required")
	}
	sig, err := auth.DecodeSignature(req.Signature)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if err := auth.VerifyLogin(addr, time.Unix(req.IssuedAt, 0), sig, s.now()); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	tok, exp, err := s.tokens.Issue(addr)
	if err != nil {
		return nil, status.Error(codes.Internal, "issue token")
	}
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"address":   addr.Hex(),
		"transport": "grpc",
	})
	return Encode(TokenMsg{Token: tok, ExpiresAt: exp.Format(time.RFC3339)})
}

func (s *Server) AuthorizeAgent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.registry(ctx, in, s.svc.AuthorizeAgent)
}

func (s *Server) RevokeAgent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.registry(ctx, in, s.svc.RevokeAgent)
}

func (s *Server) registry(ctx context.Context, in *structpb.Struct, op func(context.Context, ledger.Address, ledger.Address) (ledger.Receipt, error)) (*structpb.Struct, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	var req AgentMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	agent, err := ParseAddress("agent", req.Agent)
	if err != nil {
		return nil, invalid(err)
	}
	rcpt, err := op(ctx, caller, agent)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(ReceiptToMsg(rcpt))
}

func (s *Server) IsAuthorized(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AgentMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	agent, err := ParseAddress("agent", req.Agent)
	if err != nil {
		return nil, invalid(err)
	}
	ok, err := s.svc.IsAuthorized(ctx, agent)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(AuthorizedMsg{Agent: agent.Hex(), Authorized: ok})
}

func (s *Server) CreatePaymentRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	var req CreateMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	recipient, err := ParseAddress("recipient", req.Recipient)
	if err != nil {
		return nil, invalid(err)
	}
	token, err := ParseAddress("token", req.Token)
	if err != nil {
		return nil, invalid(err)
	}
	// nil amount lets the ledger report Unauthorized before InvalidAmount
	amount, amountErr := ledger.ParseAmount(req.Amount)
	rcpt, err := s.svc.CreatePaymentRequest(ctx, caller, ledger.CreateParams{
		Recipient: recipient,
		Token:     token,
		Amount:    amount,
		Deadline:  time.Unix(req.Deadline, 0).UTC(),
	})
	if errors.Is(err, ledger.ErrInvalidAmount) && amountErr != nil {
		err = fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, amountErr)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(ReceiptToMsg(rcpt))
}

func (s *Server) ExecutePayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	var req ExecuteMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	id, err := ParseRequestID(req.RequestID)
	if err != nil {
		return nil, invalid(err)
	}
	value, err := parseValue(req.Value)
	if err != nil {
		return nil, invalid(err)
	}
	rcpt, err := s.svc.ExecutePayment(ctx, caller, id, value)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(ReceiptToMsg(rcpt))
}

func (s *Server) GetPaymentRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RequestIDMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	id, err := ParseRequestID(req.RequestID)
	if err != nil {
		return nil, invalid(err)
	}
	p, err := s.svc.GetPaymentRequest(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(PaymentRequestToMsg(p, s.now()))
}

func (s *Server) GetBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req BalanceMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	holder, err := ParseAddress("holder", req.Holder)
	if err != nil {
		return nil, invalid(err)
	}
	token, err := ParseAddress("token", req.Token)
	if err != nil {
		return nil, invalid(err)
	}
	bal, err := s.svc.Balance(ctx, holder, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(BalanceMsg{Holder: holder.Hex(), Token: token.Hex(), Amount: bal.String()})
}

func (s *Server) ListEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListEventsMsg
	if err := Decode(in, &req); err != nil {
		return nil, invalid(err)
	}
	events, next, err := s.svc.ListEvents(ctx, req.Limit, req.After)
	if err != nil {
		return nil, toStatus(err)
	}
	out := EventsMsg{Events: make([]EventMsg, 0, len(events)), NextAfter: next}
	for _, ev := range events {
		out.Events = append(out.Events, EventToMsg(ev))
	}
	return Encode(out)
}

func (s *Server) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return Encode(StatsMsg(st))
}

func callerOf(ctx context.Context) (ledger.Address, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return ledger.Address{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	return caller, nil
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// UnaryRequestID reuses the caller's x-request-id or mints a ULID, stores it
// for audit entries and echoes it in the response header.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var rid string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDHeader); len(vals) > 0 && len(vals[0]) <= 128 {
				rid = vals[0]
			}
		}
		if rid == "" {
			rid = ids.New()
		}
		ctx = audit.WithRequestID(ctx, rid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, rid))
		return handler(ctx, req)
	}
}

// UnaryLogging logs each call with its status code and latency.
func UnaryLogging() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		log := obs.Logger().Debug
		if code == codes.Internal || code == codes.Unknown {
			log = obs.Logger().Error
		}
		log("grpc",
			zap.String("request_id", audit.RequestID(ctx)),
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// UnaryAuth verifies the bearer token in the "authorization" metadata and puts
// the caller in the context. Mutating methods require a token; reads accept
// anonymous callers but still reject a malformed one.
func UnaryAuth(tokens *auth.Tokens) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		raw, err := bearerFromMetadata(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if raw == "" {
			if mutating[info.FullMethod] {
				return nil, status.Error(codes.Unauthenticated, "missing bearer token")
			}
			return handler(ctx, req)
		}
		if tokens == nil {
			return nil, status.Error(codes.Unauthenticated, "token verification unavailable")
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = auth.ContextWithToken(auth.ContextWithCaller(ctx, claims.Address()), raw)
		return handler(ctx, req)
	}
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", nil
	}
	token, err := auth.ExtractBearer(vals[0])
	if errors.Is(err, auth.ErrMissingToken) {
		return "", nil
	}
	return token, err
}
