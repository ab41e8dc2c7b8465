package catalog

import "context"

// Store is the transactional CRUD surface over the node table (spec
// §4.3). The embedded SQL engine behind it is out of scope for this
// repo (spec §1) — the core only ever talks to a Tx.
type Store interface {
	// Begin starts a catalog transaction. Callers must Commit or
	// Abort it; a Tx left open past its use is a programming error.
	Begin(ctx context.Context) (Tx, error)

	// Close releases any resources held by the store (connection pool).
	Close() error
}

// Tx is a single catalog transaction. Mutations are only visible to
// other transactions after Commit.
type Tx interface {
	SelectByName(ctx context.Context, name string) (Node, error)
	SelectByID(ctx context.Context, id string) (Node, error)
	SelectByPredicate(ctx context.Context, p Predicate) ([]Node, error)

	Insert(ctx context.Context, n Node) error
	Delete(ctx context.Context, id string) error

	// UpdateInPlace overwrites every mutable field of the row matching
	// n.ID. It does not provide CAS semantics — callers racing on the
	// same row must use UpdateCureStatus to fence each other first.
	UpdateInPlace(ctx context.Context, n Node) error

	// UpdateCureStatus performs a fails-if-not-expected compare-and-
	// swap on cure-status (spec §4.3). Returns ErrCASMismatch if the
	// row's current status is not expected.
	UpdateCureStatus(ctx context.Context, id string, expected, next CureStatus) error

	// SelectHostByID looks up a host row by its opaque id (spec §3).
	// Hosts are managed by an external collaborator; every engine in
	// package cluster/topology/lock reads one only through HostResolver,
	// never through this method directly.
	SelectHostByID(ctx context.Context, id string) (Host, error)

	// UpsertHost inserts or overwrites a host row. Only the config-seeding
	// path in cmd/clustermgrd calls this — it is how the external
	// collaborator (the operator's config file) publishes a host into the
	// catalog; no engine in this repository ever writes a Host.
	UpsertHost(ctx context.Context, h Host) error

	Commit() error
	Abort() error
}

// HostResolver maps an opaque host id to its Host record. Every engine
// that needs a node's network address or agent endpoint (the switcher,
// the append engine, the topology editor, the cluster lock) is handed
// one of these instead of touching Store directly, so host-id stays
// opaque to everything except the resolver itself (spec §3).
type HostResolver func(ctx context.Context, hostID string) (Host, error)

// ResolveHost builds the HostResolver every entrypoint wires into its
// engines, one scoped read transaction per lookup.
func ResolveHost(s Store) HostResolver {
	return func(ctx context.Context, hostID string) (Host, error) {
		var h Host
		err := WithTx(ctx, s, func(tx Tx) error {
			var err error
			h, err = tx.SelectHostByID(ctx, hostID)
			return err
		})
		return h, err
	}
}

// WithTx runs fn inside a fresh transaction, committing on success and
// aborting on any returned error or panic. This is the scoped-
// acquisition idiom spec §9 requires for transactional boundaries.
func WithTx(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		if aerr := tx.Abort(); aerr != nil {
			return aerr
		}
		return err
	}
	return tx.Commit()
}
