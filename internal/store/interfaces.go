// Package store holds the store contracts and the concrete backends served by
// the sync node.
package store

import (
	"context"

	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

// TxnListener receives every committed transaction before the store makes it
// visible. Calls are serialized per source in commit order. A returned error
// aborts the commit.
type TxnListener func(source string, fromV, toV model.Version, txn model.Txn, meta model.Metadata) error

// SimpleStore is a backend that can fetch and mutate but keeps no history.
type SimpleStore interface {
	StoreInfo() model.StoreInfo
	Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error)
	// Mutate commits txn if no key it touches changed after expected. It
	// returns the versions the commit produced.
	Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error)
	SetTxnListener(l TxnListener)
	Close() error
}

// Store is the full contract: a SimpleStore plus history and live updates.
type Store interface {
	SimpleStore
	GetOps(ctx context.Context, q model.Query, versions model.FullVersionRange, opts model.GetOpsOpts) (*model.GetOpsResult, error)
	Catchup(ctx context.Context, q model.Query, from model.FullVersion, opts model.CatchupOpts) (*model.CatchupData, error)
	Subscribe(ctx context.Context, q model.Query, opts model.SubscribeOpts) (*stream.Stream[model.CatchupData], error)
}
