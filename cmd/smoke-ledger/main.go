// Command smoke-ledger drives the create/execute scenario against a running
// facilitator over gRPC and exits non-zero on the first deviation.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/ledger/remote"
	"x402.org/facilitator/internal/obs"
)

func main() {
	_ = godotenv.Load()
	var (
		addr     = flag.String("addr", envOr("X402_SMOKE_GRPC_ADDR", "localhost:9091"), "facilitator gRPC address")
		ownerHex = flag.String("owner-key", os.Getenv("X402_SMOKE_OWNER_KEY"), "hex private key of the ledger owner")
		agentHex = flag.String("agent-key", os.Getenv("X402_SMOKE_AGENT_KEY"), "hex private key of the agent (random when empty)")
		amount   = flag.String("amount", "1.0", "request amount in native units")
		timeout  = flag.Duration("timeout", 15*time.Second, "overall timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger("info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()

	if err := run(*addr, *ownerHex, *agentHex, *amount, *timeout); err != nil {
		logger.Error("smoke failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("smoke ok")
	_ = logger.Sync()
}

func run(addr, ownerHex, agentHex, amountNative string, timeout time.Duration) error {
	log := obs.Logger()
	ownerKey, err := loadKey(ownerHex)
	if err != nil {
		return fmt.Errorf("owner key: %w", err)
	}
	if ownerKey == nil {
		return errors.New("owner key is required (-owner-key or X402_SMOKE_OWNER_KEY)")
	}
	agentKey, err := loadKey(agentHex)
	if err != nil {
		return fmt.Errorf("agent key: %w", err)
	}
	if agentKey == nil {
		if agentKey, err = crypto.GenerateKey(); err != nil {
			return err
		}
	}
	outsiderKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	amount, err := ledger.ParseNative(amountNative)
	if err != nil {
		return err
	}

	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	agent := crypto.PubkeyToAddress(agentKey.PublicKey)
	outsider := crypto.PubkeyToAddress(outsiderKey.PublicKey)
	recipientKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	recipient := crypto.PubkeyToAddress(recipientKey.PublicKey)

	client, err := remote.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial facilitator at %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := remote.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	info, err := client.Info(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	log.Info("connected", zap.String("addr", addr), zap.String("version", info.Version), zap.String("owner", info.Owner))

	svc := remote.NewService(client, remote.KeyTokens(client, ownerKey, agentKey, outsiderKey))

	// owner authorises the agent
	if _, err := svc.AuthorizeAgent(ctx, owner, agent); err != nil {
		return fmt.Errorf("authorize agent: %w", err)
	}
	if ok, err := svc.IsAuthorized(ctx, agent); err != nil || !ok {
		return fmt.Errorf("agent not authorized after authorizeAgent (err=%v)", err)
	}

	// an outsider cannot create requests
	before, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	_, err = svc.CreatePaymentRequest(ctx, outsider, ledger.CreateParams{
		Recipient: recipient,
		Amount:    amount,
		Deadline:  time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		return fmt.Errorf("outsider create: want Unauthorized, got %v", err)
	}
	after, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	if after.Requests != before.Requests {
		return fmt.Errorf("outsider create changed request count %d -> %d", before.Requests, after.Requests)
	}

	// agent creates, operator settles
	rcpt, err := svc.CreatePaymentRequest(ctx, agent, ledger.CreateParams{
		Recipient: recipient,
		Amount:    amount,
		Deadline:  time.Now().Add(time.Hour),
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	log.Info("request created", zap.String("id", rcpt.RequestID.Hex()), zap.String("amount", amount.String()))

	short := newIntMinusOne(amount)
	if _, err := svc.ExecutePayment(ctx, outsider, rcpt.RequestID, short); !errors.Is(err, ledger.ErrInsufficientValue) {
		return fmt.Errorf("short execute: want InsufficientValue, got %v", err)
	}
	balBefore, err := svc.Balance(ctx, recipient, ledger.NativeToken)
	if err != nil {
		return err
	}
	exec, err := svc.ExecutePayment(ctx, outsider, rcpt.RequestID, amount)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if len(exec.Events) != 1 || exec.Events[0].Kind != ledger.EventPaymentExecuted || exec.Events[0].Amount.Cmp(amount) != 0 {
		return fmt.Errorf("unexpected execute receipt: %+v", exec)
	}
	if _, err := svc.ExecutePayment(ctx, outsider, rcpt.RequestID, amount); !errors.Is(err, ledger.ErrAlreadyExecuted) {
		return fmt.Errorf("second execute: want AlreadyExecuted, got %v", err)
	}

	balAfter, err := svc.Balance(ctx, recipient, ledger.NativeToken)
	if err != nil {
		return err
	}
	if got := new(big.Int).Sub(balAfter, balBefore); got.Cmp(amount) != 0 {
		return fmt.Errorf("recipient balance moved by %s, want %s", got, amount)
	}
	p, err := svc.GetPaymentRequest(ctx, rcpt.RequestID)
	if err != nil {
		return err
	}
	if !p.Executed {
		return errors.New("request not marked executed")
	}
	log.Info("settled",
		zap.String("recipient", recipient.Hex()),
		zap.String("balance", ledger.FormatNative(balAfter)),
	)

	if _, err := svc.RevokeAgent(ctx, owner, agent); err != nil {
		return fmt.Errorf("revoke agent: %w", err)
	}
	return nil
}

func loadKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(raw)
}

func newIntMinusOne(v *big.Int) *big.Int {
	return new(big.Int).Sub(v, big.NewInt(1))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
