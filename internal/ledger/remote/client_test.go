package remote

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/rpc"
)

func withInfo(code codes.Code, msg, reason string, md map[string]string) error {
	st, err := status.New(code, msg).WithDetails(&errdetails.ErrorInfo{Domain: rpc.ErrorDomain, Reason: reason, Metadata: md})
	if err != nil {
		panic(err)
	}
	return st.Err()
}

func TestMapLedgerError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "not found",
			err:  withInfo(codes.NotFound, "request not found", "REQUEST_NOT_FOUND", nil),
			want: ledger.ErrRequestNotFound,
		},
		{
			name: "unauthorized",
			err:  withInfo(codes.PermissionDenied, "unauthorized", "UNAUTHORIZED", nil),
			want: ledger.ErrUnauthorized,
		},
		{
			name: "invalid amount with context",
			err:  withInfo(codes.InvalidArgument, "invalid amount (must be > 0): amount is empty", "INVALID_AMOUNT", nil),
			want: ledger.ErrInvalidAmount,
		},
		{
			name: "insufficient value",
			err:  withInfo(codes.InvalidArgument, "incorrect value", "INSUFFICIENT_VALUE", map[string]string{rpc.MetaExpected: "10", rpc.MetaActual: "9"}),
			want: ledger.ErrInsufficientValue,
		},
		{
			name: "excess value",
			err:  withInfo(codes.InvalidArgument, "incorrect value", "EXCESS_VALUE", map[string]string{rpc.MetaExpected: "10", rpc.MetaActual: "11"}),
			want: ledger.ErrExcessValue,
		},
		{
			name: "transfer failed",
			err:  withInfo(codes.Aborted, "transfer failed: hook", "TRANSFER_FAILED", nil),
			want: ledger.ErrTransferFailed,
		},
		{
			name: "unauthenticated",
			err:  status.Error(codes.Unauthenticated, "invalid token"),
			want: auth.ErrInvalidToken,
		},
		{
			name: "pass through",
			err:  status.Error(codes.Internal, "internal"),
			want: status.Error(codes.Internal, "internal"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := mapLedgerError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapLedgerError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapLedgerErrorKeepsAmounts(t *testing.T) {
	err := mapLedgerError(withInfo(codes.InvalidArgument, "incorrect value", "INSUFFICIENT_VALUE",
		map[string]string{rpc.MetaExpected: "1000", rpc.MetaActual: "1"}))
	var iv *ledger.IncorrectValueError
	if !errors.As(err, &iv) {
		t.Fatalf("expected IncorrectValueError, got %T", err)
	}
	if iv.Expected.Int64() != 1000 || iv.Actual.Int64() != 1 {
		t.Fatalf("unexpected amounts: %v", iv)
	}
}

func startServer(t *testing.T, owner ledger.Address) *Client {
	t.Helper()
	return startServerTTL(t, owner, time.Minute)
}

func startServerTTL(t *testing.T, owner ledger.Address, ttl time.Duration) *Client {
	t.Helper()
	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"), ttl)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	gs, _ := rpc.Register(rpc.NewServer(ledger.NewInMemory(owner), tokens, owner, "test"))
	lis := bufconn.Listen(1 << 20)
	go func() {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		gs.GracefulStop()
		_ = c.Close()
		_ = lis.Close()
	})
	return c
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestServiceRoundTrip(t *testing.T) {
	ownerKey, agentKey := genKey(t), genKey(t)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	agent := crypto.PubkeyToAddress(agentKey.PublicKey)
	recipient := crypto.PubkeyToAddress(genKey(t).PublicKey)

	c := startServer(t, owner)
	ctx, cancel := WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	info, err := c.Info(ctx)
	if err != nil || info.Owner != owner.Hex() {
		t.Fatalf("Info = %+v, %v", info, err)
	}

	svc := NewService(c, KeyTokens(c, ownerKey, agentKey))
	if _, err := svc.AuthorizeAgent(ctx, owner, agent); err != nil {
		t.Fatalf("AuthorizeAgent: %v", err)
	}
	ok, err := svc.IsAuthorized(ctx, agent)
	if err != nil || !ok {
		t.Fatalf("IsAuthorized = %v, %v", ok, err)
	}

	amount := big.NewInt(750)
	rcpt, err := svc.CreatePaymentRequest(ctx, agent, ledger.CreateParams{
		Recipient: recipient,
		Amount:    amount,
		Deadline:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreatePaymentRequest: %v", err)
	}

	_, err = svc.ExecutePayment(ctx, agent, rcpt.RequestID, big.NewInt(751))
	if !errors.Is(err, ledger.ErrExcessValue) {
		t.Fatalf("expected ErrExcessValue, got %v", err)
	}
	if _, err := svc.ExecutePayment(ctx, agent, rcpt.RequestID, amount); err != nil {
		t.Fatalf("ExecutePayment: %v", err)
	}
	if _, err := svc.ExecutePayment(ctx, agent, rcpt.RequestID, amount); !errors.Is(err, ledger.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}

	p, err := svc.GetPaymentRequest(ctx, rcpt.RequestID)
	if err != nil || !p.Executed || p.Amount.Cmp(amount) != 0 {
		t.Fatalf("GetPaymentRequest = %+v, %v", p, err)
	}
	bal, err := svc.Balance(ctx, recipient, ledger.NativeToken)
	if err != nil || bal.Cmp(amount) != 0 {
		t.Fatalf("Balance = %v, %v", bal, err)
	}
	events, next, err := svc.ListEvents(ctx, 0, 0)
	if err != nil || len(events) != 3 || next != 3 {
		t.Fatalf("ListEvents = %d events, next %d, %v", len(events), next, err)
	}
	if events[2].Kind != ledger.EventPaymentExecuted || events[2].RequestID != rcpt.RequestID {
		t.Fatalf("unexpected last event: %+v", events[2])
	}
	stats, err := svc.Stats(ctx)
	if err != nil || stats.Executed != 1 || stats.Version != 3 {
		t.Fatalf("Stats = %+v, %v", stats, err)
	}
}

func TestServiceRequiresToken(t *testing.T) {
	ownerKey := genKey(t)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	c := startServer(t, owner)
	ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svc := NewService(c, nil)
	if _, err := svc.AuthorizeAgent(ctx, owner, owner); !errors.Is(err, auth.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	tok, exp, err := c.Login(ctx, ownerKey)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("Login expiry %v not in the future", exp)
	}
	if _, err := svc.AuthorizeAgent(auth.ContextWithToken(ctx, tok), owner, owner); err != nil {
		t.Fatalf("AuthorizeAgent with context token: %v", err)
	}

	stranger := genKey(t)
	svc = NewService(c, KeyTokens(c, stranger))
	_, err = svc.RevokeAgent(ctx, crypto.PubkeyToAddress(stranger.PublicKey), owner)
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestKeyTokensRenewAfterExpiry(t *testing.T) {
	ownerKey, agentKey := genKey(t), genKey(t)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	agent := crypto.PubkeyToAddress(agentKey.PublicKey)
	c := startServerTTL(t, owner, time.Second)
	ctx, cancel := WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := NewService(c, KeyTokens(c, ownerKey))
	if _, err := svc.AuthorizeAgent(ctx, owner, agent); err != nil {
		t.Fatalf("AuthorizeAgent: %v", err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, err := svc.RevokeAgent(ctx, owner, agent); err != nil {
		t.Fatalf("RevokeAgent after token expiry: %v", err)
	}
}

func TestKeyTokensRetryAfterRejectedToken(t *testing.T) {
	ownerKey := genKey(t)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	c := startServer(t, owner)
	ctx, cancel := WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ks := KeyTokens(c, ownerKey)
	// a token the server never issued, cached as if still valid
	ks.cache[owner] = cachedToken{token: "stale.token.value", expires: time.Now().Add(time.Hour)}

	svc := NewService(c, ks)
	rcpt, err := svc.AuthorizeAgent(ctx, owner, owner)
	if err != nil {
		t.Fatalf("AuthorizeAgent: %v", err)
	}
	if rcpt.Version != 1 {
		t.Fatalf("version = %d, want 1 (op applied once)", rcpt.Version)
	}
	if got := ks.cache[owner].token; got == "stale.token.value" {
		t.Fatal("stale token still cached")
	}

	plain := NewService(c, TokenFunc(func(context.Context, ledger.Address) (string, error) {
		return "stale.token.value", nil
	}))
	if _, err := plain.AuthorizeAgent(ctx, owner, owner); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without a cache to refresh, got %v", err)
	}
}
