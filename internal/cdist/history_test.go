package cdist_test

import (
	"context"
	"testing"
)

func TestService_GetHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, op := range []string{"Reconcile", "VerifyVersion", "Publish"} {
		if _, err := f.catalog.CreateSyncOperation(ctx, op, "vanilla"); err != nil {
			t.Fatalf("CreateSyncOperation() error = %v", err)
		}
	}

	ops, err := f.svc.GetHistory(ctx, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0].Operation != "Publish" || ops[1].Operation != "VerifyVersion" {
		t.Errorf("ops = %s, %s; want newest first", ops[0].Operation, ops[1].Operation)
	}
}
