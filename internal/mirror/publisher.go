// Package mirror replicates committed ledger transactions to external
// networks. Replication is advisory: a failed publish is recorded and
// retried, never surfaced to the ledger operation that produced it.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"modledger/internal/model"
)

// ErrMirrorFailure wraps every publisher error stored on a mirror record.
var ErrMirrorFailure = errors.New("mirror publish failed")

// Publisher sends one transaction to one external network and returns the
// network's reference for it.
type Publisher interface {
	Network() string
	Publish(ctx context.Context, t *model.Transaction) (externalRef string, err error)
}

// Receipt is the payload every publisher emits for a transaction.
type Receipt struct {
	TransactionID string                  `json:"transaction_id"`
	From          string                  `json:"from"`
	To            string                  `json:"to"`
	Amount        int64                   `json:"amount"`
	Kind          model.TransactionKind   `json:"kind"`
	Reason        string                  `json:"reason,omitempty"`
	Status        model.TransactionStatus `json:"status"`
	CreatedAt     time.Time               `json:"created_at"`
}

func NewReceipt(t *model.Transaction) Receipt {
	return Receipt{
		TransactionID: t.ID,
		From:          t.From,
		To:            t.To,
		Amount:        t.Amount,
		Kind:          t.Kind,
		Reason:        t.Reason,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt.UTC(),
	}
}

func (r Receipt) Encode() ([]byte, error) {
	return json.Marshal(r)
}
