// nonce.go is the serialized nonce manager. Next() hands out strictly
// monotone nonces under a mutex, synced lazily from the chain at boot and
// again whenever a submission bounces with "nonce too low" or
// "already known".
package settle

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PendingNonceReader reads the chain's pending nonce for an account.
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates transaction nonces for a single account.
type NonceManager struct {
	mu      sync.Mutex
	reader  PendingNonceReader
	account common.Address
	next    uint64
	synced  bool
}

// NewNonceManager creates a manager for the account; the first Next() call
// syncs from the chain.
func NewNonceManager(reader PendingNonceReader, account common.Address) *NonceManager {
	return &NonceManager{reader: reader, account: account}
}

// Next returns the next nonce and advances the counter. Nonces are strictly
// monotone within a run and at least the chain's pending count at the time
// of the last sync.
func (n *NonceManager) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.synced {
		pending, err := n.reader.PendingNonceAt(ctx, n.account)
		if err != nil {
			return 0, err
		}
		if pending > n.next {
			n.next = pending
		}
		n.synced = true
	}
	nonce := n.next
	n.next++
	return nonce, nil
}

// Resync forces a fresh chain read on the next allocation. Called after a
// rejection that indicates drift.
func (n *NonceManager) Resync() {
	n.mu.Lock()
	n.synced = false
	n.mu.Unlock()
}

// IsNonceError reports whether a submission error indicates nonce drift.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
