package remote

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/rpc"
)

// Client wraps a connection to the Facilitator gRPC service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := rpc.Encode(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+rpc.ServiceName+"/"+method, req, resp); err != nil {
		return mapLedgerError(err)
	}
	return rpc.Decode(resp, out)
}

// Info returns service metadata.
func (c *Client) Info(ctx context.Context) (rpc.InfoMsg, error) {
	var out rpc.InfoMsg
	err := c.invoke(ctx, "GetInfo", struct{}{}, &out)
	return out, err
}

// Health reports whether the Facilitator service is SERVING.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("facilitator status %s", resp.GetStatus())
	}
	return nil
}

// Login signs a LoginMessage with key and exchanges it for a bearer token and
// its expiry.
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (string, time.Time, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	issued := time.Now().UTC().Truncate(time.Second)
	sig, err := crypto.Sign(accounts.TextHash([]byte(auth.LoginMessage(addr, issued))), key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign login: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	var out rpc.TokenMsg
	if err := c.invoke(ctx, "Login", rpc.LoginMsg{
		Address:   addr.Hex(),
		IssuedAt:  issued.Unix(),
		Signature: hexutil.Encode(sig),
	}, &out); err != nil {
		return "", time.Time{}, err
	}
	exp, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("login expires_at %q: %w", out.ExpiresAt, err)
	}
	return out.Token, exp, nil
}

// TokenSource yields a bearer token that authenticates as caller.
type TokenSource interface {
	Token(ctx context.Context, caller ledger.Address) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context, caller ledger.Address) (string, error)

func (f TokenFunc) Token(ctx context.Context, caller ledger.Address) (string, error) {
	return f(ctx, caller)
}

// forgetter is implemented by sources that cache tokens. Service drops the
// cached token after the server rejects it and retries once.
type forgetter interface {
	Forget(caller ledger.Address)
}

// refreshBefore is how long before expiry a cached token is replaced.
const refreshBefore = 30 * time.Second

type cachedToken struct {
	token   string
	expires time.Time
}

// KeySigner logs in with the matching key on first use and caches the token
// until shortly before it expires.
type KeySigner struct {
	client *Client
	keys   map[ledger.Address]*ecdsa.PrivateKey
	now    func() time.Time

	mu    sync.Mutex
	cache map[ledger.Address]cachedToken
}

// KeyTokens returns a KeySigner holding keys.
func KeyTokens(c *Client, keys ...*ecdsa.PrivateKey) *KeySigner {
	ks := &KeySigner{
		client: c,
		keys:   make(map[ledger.Address]*ecdsa.PrivateKey, len(keys)),
		now:    time.Now,
		cache:  make(map[ledger.Address]cachedToken),
	}
	for _, k := range keys {
		ks.keys[crypto.PubkeyToAddress(k.PublicKey)] = k
	}
	return ks
}

func (ks *KeySigner) Token(ctx context.Context, caller ledger.Address) (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if c, ok := ks.cache[caller]; ok && ks.now().Add(refreshBefore).Before(c.expires) {
		return c.token, nil
	}
	key, ok := ks.keys[caller]
	if !ok {
		return "", fmt.Errorf("no key for caller %s", caller.Hex())
	}
	tok, exp, err := ks.client.Login(ctx, key)
	if err != nil {
		return "", err
	}
	ks.cache[caller] = cachedToken{token: tok, expires: exp}
	return tok, nil
}

// Forget drops the cached token for caller.
func (ks *KeySigner) Forget(caller ledger.Address) {
	ks.mu.Lock()
	delete(ks.cache, caller)
	ks.mu.Unlock()
}

// Service adapts the gRPC client to the ledger.Service interface.
type Service struct {
	client *Client
	tokens TokenSource
}

var _ ledger.Service = (*Service)(nil)

// NewService returns a ledger.Service backed by client. When tokens is nil the
// bearer token already in ctx (auth.ContextWithToken) is forwarded.
func NewService(client *Client, tokens TokenSource) *Service {
	return &Service{client: client, tokens: tokens}
}

func (s *Service) AuthorizeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, "AuthorizeAgent", rpc.AgentMsg{Agent: agent.Hex()})
}

func (s *Service) RevokeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, "RevokeAgent", rpc.AgentMsg{Agent: agent.Hex()})
}

func (s *Service) IsAuthorized(ctx context.Context, agent ledger.Address) (bool, error) {
	var out rpc.AuthorizedMsg
	if err := s.client.invoke(ctx, "IsAuthorized", rpc.AgentMsg{Agent: agent.Hex()}, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

func (s *Service) CreatePaymentRequest(ctx context.Context, caller ledger.Address, p ledger.CreateParams) (ledger.Receipt, error) {
	if p.Amount == nil {
		return ledger.Receipt{}, ledger.ErrInvalidAmount
	}
	return s.mutate(ctx, caller, "CreatePaymentRequest", rpc.CreateMsg{
		Recipient: p.Recipient.Hex(),
		Token:     p.Token.Hex(),
		Amount:    p.Amount.String(),
		Deadline:  p.Deadline.Unix(),
	})
}

func (s *Service) ExecutePayment(ctx context.Context, caller ledger.Address, id ledger.RequestID, value *big.Int) (ledger.Receipt, error) {
	msg := rpc.ExecuteMsg{RequestID: id.Hex()}
	if value != nil {
		msg.Value = value.String()
	}
	return s.mutate(ctx, caller, "ExecutePayment", msg)
}

func (s *Service) GetPaymentRequest(ctx context.Context, id ledger.RequestID) (ledger.PaymentRequest, error) {
	var out rpc.PaymentRequestMsg
	if err := s.client.invoke(ctx, "GetPaymentRequest", rpc.RequestIDMsg{RequestID: id.Hex()}, &out); err != nil {
		return ledger.PaymentRequest{}, err
	}
	return out.PaymentRequest()
}

func (s *Service) Balance(ctx context.Context, holder, token ledger.Address) (*big.Int, error) {
	var out rpc.BalanceMsg
	if err := s.client.invoke(ctx, "GetBalance", rpc.BalanceMsg{Holder: holder.Hex(), Token: token.Hex()}, &out); err != nil {
		return nil, err
	}
	return ledger.ParseAmount(out.Amount)
}

func (s *Service) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Event, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var out rpc.EventsMsg
	if err := s.client.invoke(ctx, "ListEvents", rpc.ListEventsMsg{After: afterSeq, Limit: limit}, &out); err != nil {
		return nil, 0, err
	}
	items := make([]ledger.Event, 0, len(out.Events))
	for _, m := range out.Events {
		ev, err := m.Event()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ev)
	}
	return items, out.NextAfter, nil
}

func (s *Service) Stats(ctx context.Context) (ledger.Stats, error) {
	var out rpc.StatsMsg
	if err := s.client.invoke(ctx, "GetStats", struct{}{}, &out); err != nil {
		return ledger.Stats{}, err
	}
	return ledger.Stats(out), nil
}

func (s *Service) mutate(ctx context.Context, caller ledger.Address, method string, in any) (ledger.Receipt, error) {
	out, err := s.mutateOnce(ctx, caller, method, in)
	if errors.Is(err, auth.ErrInvalidToken) {
		// rejected before the ledger ran, so retrying cannot apply the op twice
		if f, ok := s.tokens.(forgetter); ok {
			f.Forget(caller)
			out, err = s.mutateOnce(ctx, caller, method, in)
		}
	}
	if err != nil {
		return ledger.Receipt{}, err
	}
	return out.Receipt()
}

func (s *Service) mutateOnce(ctx context.Context, caller ledger.Address, method string, in any) (rpc.ReceiptMsg, error) {
	var out rpc.ReceiptMsg
	ctx, err := s.outgoingWithIdentity(ctx, caller)
	if err != nil {
		return out, err
	}
	err = s.client.invoke(ctx, method, in, &out)
	return out, err
}

// Helpers -----------------------------------------------------------------

func (s *Service) outgoingWithIdentity(ctx context.Context, caller ledger.Address) (context.Context, error) {
	var token string
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx, caller)
		if err != nil {
			return ctx, fmt.Errorf("token for %s: %w", caller.Hex(), err)
		}
		token = tok
	} else if tok, ok := auth.TokenFromContext(ctx); ok {
		token = tok
	}
	if token == "" {
		return ctx, auth.ErrMissingToken
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

// mapLedgerError turns a gRPC status back into the ledger sentinel named by its
// ErrorInfo reason. Statuses without one pass through unchanged.
func mapLedgerError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != rpc.ErrorDomain {
			continue
		}
		if iv := incorrectValue(info); iv != nil {
			return iv
		}
		sentinel, ok := ledger.ErrorForReason(info.GetReason())
		if !ok {
			continue
		}
		if st.Message() == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, st.Message())
	}
	if st.Code() == codes.Unauthenticated {
		return fmt.Errorf("%w: %s", auth.ErrInvalidToken, st.Message())
	}
	return err
}

func incorrectValue(info *errdetails.ErrorInfo) error {
	md := info.GetMetadata()
	expected, okE := new(big.Int).SetString(md[rpc.MetaExpected], 10)
	actual, okA := new(big.Int).SetString(md[rpc.MetaActual], 10)
	if !okE || !okA {
		return nil
	}
	return ledger.NewIncorrectValue(expected, actual)
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
