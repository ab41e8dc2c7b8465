package syncstandby

import (
	"context"
	"testing"

	"github.com/pgxc-mgr/clustermgr/internal/catalog"
)

func openTestStore(t *testing.T) catalog.Store {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustInsert(t *testing.T, tx catalog.Tx, n catalog.Node) {
	t.Helper()
	if err := tx.Insert(context.Background(), n); err != nil {
		t.Fatal(err)
	}
}

func TestComputeEmptyWhenNoSlaves(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		plan, err := Compute(ctx, tx, "master1", "", nil)
		if err != nil {
			return err
		}
		if !plan.Empty || plan.Value != "" {
			t.Fatalf("expected empty plan, got %+v", plan)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComputePromotesPotentialWhenNoSync(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		mustInsert(t, tx, catalog.Node{ID: "s1", Name: "dn1s", HostID: "h1", Port: 5432,
			Role: catalog.RoleDNSlave, MasterID: "master1", Sync: catalog.SyncPotential, InCluster: true})
		plan, err := Compute(ctx, tx, "master1", "", nil)
		if err != nil {
			return err
		}
		if plan.Value != "1 (dn1s)" {
			t.Fatalf("got %q", plan.Value)
		}
		if len(plan.Promoted) != 1 || plan.Promoted[0] != "s1" {
			t.Fatalf("expected promotion of s1, got %v", plan.Promoted)
		}
		got, err := tx.SelectByID(ctx, "s1")
		if err != nil {
			return err
		}
		if got.Sync != catalog.SyncSync {
			t.Fatalf("expected s1 persisted as sync, got %v", got.Sync)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComputeAsyncNeverListed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		mustInsert(t, tx, catalog.Node{ID: "s1", Name: "dn1s", HostID: "h1", Port: 5432,
			Role: catalog.RoleDNSlave, MasterID: "master1", Sync: catalog.SyncSync, InCluster: true})
		mustInsert(t, tx, catalog.Node{ID: "s2", Name: "dn2s", HostID: "h2", Port: 5432,
			Role: catalog.RoleDNSlave, MasterID: "master1", Sync: catalog.SyncAsync, InCluster: true})
		plan, err := Compute(ctx, tx, "master1", "", nil)
		if err != nil {
			return err
		}
		if plan.Value != "1 (dn1s)" {
			t.Fatalf("got %q", plan.Value)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComputeUpgradesIncomingPotentialWhenNoSyncYet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		incoming := catalog.Node{ID: "s3", Name: "dn3s", HostID: "h3", Port: 5432,
			Role: catalog.RoleDNSlave, MasterID: "master1", Sync: catalog.SyncPotential, InCluster: true}
		mustInsert(t, tx, incoming)

		plan, err := Compute(ctx, tx, "master1", "", &incoming)
		if err != nil {
			return err
		}
		if plan.Value != "1 (dn3s)" {
			t.Fatalf("got %q", plan.Value)
		}
		if incoming.Sync != catalog.SyncSync {
			t.Fatalf("expected incoming struct mutated to sync, got %v", incoming.Sync)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComputeExcludesGivenID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		mustInsert(t, tx, catalog.Node{ID: "s1", Name: "dn1s", HostID: "h1", Port: 5432,
			Role: catalog.RoleDNSlave, MasterID: "master1", Sync: catalog.SyncSync, InCluster: true})
		plan, err := Compute(ctx, tx, "master1", "s1", nil)
		if err != nil {
			return err
		}
		if !plan.Empty {
			t.Fatalf("expected empty plan after excluding the only slave, got %+v", plan)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
