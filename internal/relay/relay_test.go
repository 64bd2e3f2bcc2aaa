package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"x402.org/facilitator/internal/ledger"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	fail     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message)
	return nil
}

func TestRelayPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, "x402:events")

	id := common.HexToHash("0xabc")
	r.Deliver(context.Background(), []ledger.Event{
		{Sequence: 1, Kind: ledger.EventAgentAuthorized, Agent: common.HexToAddress("0xA1")},
		{Sequence: 2, Kind: ledger.EventPaymentRequestCreated, Agent: common.HexToAddress("0xA1"), RequestID: id,
			Recipient: common.HexToAddress("0xB1"), Amount: new(big.Int).Lsh(big.NewInt(1), 100), Deadline: time.Unix(1_700_000_000, 0).UTC()},
	})

	if len(pub.messages) != 2 || pub.channels[0] != "x402:events" {
		t.Fatalf("unexpected publishes: %v", pub.channels)
	}

	var registry map[string]any
	if err := json.Unmarshal(pub.messages[0], &registry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := registry["request_id"]; ok {
		t.Fatalf("registry event must not carry request fields: %v", registry)
	}

	var payment map[string]any
	if err := json.Unmarshal(pub.messages[1], &payment); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payment["kind"] != "PaymentRequestCreated" || payment["request_id"] != id.Hex() {
		t.Fatalf("unexpected payload: %v", payment)
	}
	if payment["amount"] != new(big.Int).Lsh(big.NewInt(1), 100).String() {
		t.Fatalf("amount must be a decimal string, got %v", payment["amount"])
	}
}

func TestRelayPublishFailureDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("connection refused")}
	New(pub, "c").Deliver(context.Background(), []ledger.Event{{Sequence: 1, Kind: ledger.EventAgentRevoked}})
	if len(pub.messages) != 0 {
		t.Fatal("nothing should be recorded on failure")
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}
