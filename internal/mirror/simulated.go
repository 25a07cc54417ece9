package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"modledger/internal/model"
)

// SimulatedPublisher stands in for a chain during development. The reference
// is a deterministic hash of the receipt. With failEvery > 0 every Nth call
// fails, to exercise retries.
type SimulatedPublisher struct {
	network   string
	failEvery int64
	calls     atomic.Int64
}

func NewSimulatedPublisher(network string, failEvery int) *SimulatedPublisher {
	return &SimulatedPublisher{network: network, failEvery: int64(failEvery)}
}

func (p *SimulatedPublisher) Network() string { return p.network }

func (p *SimulatedPublisher) Publish(_ context.Context, t *model.Transaction) (string, error) {
	n := p.calls.Add(1)
	if p.failEvery > 0 && n%p.failEvery == 0 {
		return "", fmt.Errorf("simulated outage on call %d", n)
	}

	payload, err := NewReceipt(t).Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(p.network+":"), payload...))
	return "0x" + hex.EncodeToString(sum[:]), nil
}
