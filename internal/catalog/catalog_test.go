package catalog

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertSelectUpdateCureStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	master := Node{ID: "n1", Name: "dn1", HostID: "h1", Port: 5432, Role: RoleDNMaster,
		Sync: SyncNone, Path: "/data/dn1", Inited: true, InCluster: true, AllowCure: true,
		CureStatus: CureNormal}

	if err := WithTx(ctx, s, func(tx Tx) error {
		return tx.Insert(ctx, master)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := WithTx(ctx, s, func(tx Tx) error {
		got, err := tx.SelectByName(ctx, "dn1")
		if err != nil {
			return err
		}
		if !got.Equal(master) {
			t.Fatalf("round-trip mismatch: got %+v want %+v", got, master)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// CAS: wait-switch -> switching succeeds once.
	if err := WithTx(ctx, s, func(tx Tx) error {
		return tx.UpdateCureStatus(ctx, "n1", CureNormal, CureWaitSwitch)
	}); err != nil {
		t.Fatalf("cas 1: %v", err)
	}

	err := WithTx(ctx, s, func(tx Tx) error {
		return tx.UpdateCureStatus(ctx, "n1", CureWaitSwitch, CureSwitching)
	})
	if err != nil {
		t.Fatalf("cas 2: %v", err)
	}

	// A stale expectation now loses the race (property P6).
	err = WithTx(ctx, s, func(tx Tx) error {
		return tx.UpdateCureStatus(ctx, "n1", CureWaitSwitch, CureSwitching)
	})
	if err == nil {
		t.Fatal("expected CAS mismatch on stale expected value")
	}
}

func TestLocationConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n1 := Node{ID: "n1", Name: "dn1", HostID: "h1", Port: 5432, Role: RoleDNMaster, Path: "/data/dn1", CureStatus: CureNormal}
	n2 := Node{ID: "n2", Name: "dn2", HostID: "h1", Port: 5432, Role: RoleDNMaster, Path: "/data/dn2", CureStatus: CureNormal}

	if err := WithTx(ctx, s, func(tx Tx) error { return tx.Insert(ctx, n1) }); err != nil {
		t.Fatal(err)
	}
	err := WithTx(ctx, s, func(tx Tx) error { return tx.Insert(ctx, n2) })
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate (host,port), got %v", err)
	}
}

func TestSelectByPredicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []Node{
		{ID: "m1", Name: "dn1", HostID: "h1", Port: 5432, Role: RoleDNMaster, Path: "/d1", CureStatus: CureNormal, InCluster: true},
		{ID: "s1", Name: "dn1s", HostID: "h2", Port: 5432, Role: RoleDNSlave, MasterID: "m1", Sync: SyncSync, Path: "/d2", CureStatus: CureNormal, InCluster: true},
		{ID: "s2", Name: "dn1p", HostID: "h3", Port: 5432, Role: RoleDNSlave, MasterID: "m1", Sync: SyncPotential, Path: "/d3", CureStatus: CureNormal, InCluster: false},
	}
	if err := WithTx(ctx, s, func(tx Tx) error {
		for _, n := range rows {
			if err := tx.Insert(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	err := WithTx(ctx, s, func(tx Tx) error {
		got, err := tx.SelectByPredicate(ctx, Predicate{MasterID: "m1", MasterIDSet: true, InCluster: true, InClusterSet: true})
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].ID != "s1" {
			t.Fatalf("expected only s1, got %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAbortRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	n := Node{ID: "n1", Name: "dn1", HostID: "h1", Port: 5432, Role: RoleDNMaster, Path: "/d1", CureStatus: CureNormal}

	err := WithTx(ctx, s, func(tx Tx) error {
		if err := tx.Insert(ctx, n); err != nil {
			return err
		}
		return ErrConflict // force abort regardless of cause
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	err = WithTx(ctx, s, func(tx Tx) error {
		_, err := tx.SelectByName(ctx, "dn1")
		return err
	})
	if err != ErrNotFound {
		t.Fatalf("expected row to not exist after abort, got %v", err)
	}
}
