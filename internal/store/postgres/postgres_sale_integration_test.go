package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"apotekku/backend/internal/store"
)

func TestSaleTxConditionalDecrement(t *testing.T) {
	databaseURL := os.Getenv("APOTEKKU_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set APOTEKKU_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	tenantID := "apotek-main"
	productID := fmt.Sprintf("prod-it-%d", stamp)
	batchID := fmt.Sprintf("batch-it-%d", stamp)
	sku := fmt.Sprintf("SKU-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_batches WHERE id = $1`, batchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, sku, name, category, list_price_cents, requires_prescription, dea_schedule, active, created_at, updated_at)
		VALUES ($1, $2, $3, 'Integration Paracetamol', 'analgesic', 1500, false, 'none', true, now(), now())
	`, productID, tenantID, sku); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO product_batches (id, tenant_id, product_id, batch_number, expiry_date, quantity, unit_price_cents, active, received_at, updated_at)
		VALUES ($1, $2, $3, 'LOT-IT-1', now() + interval '60 days', 10, 1500, true, now(), now())
	`, batchID, tenantID, productID); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	// Decrement with the right expected quantity succeeds.
	err = s.RunSaleTx(ctx, func(ctx context.Context, tx store.SaleTx) error {
		batches, err := tx.FindEligibleBatches(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		if len(batches) != 1 {
			return fmt.Errorf("expected 1 eligible batch, got %d", len(batches))
		}
		affected, err := tx.ConditionalDecrementBatch(ctx, batchID, batches[0].Quantity, 4)
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("expected 1 row affected, got %d", affected)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sale tx: %v", err)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM product_batches WHERE id = $1
	`, batchID).Scan(&qty); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if qty != 6 {
		t.Fatalf("expected quantity 6 after decrement, got %d", qty)
	}

	// A stale expected quantity matches no rows, and returning an error
	// rolls the transaction back without touching the batch.
	err = s.RunSaleTx(ctx, func(ctx context.Context, tx store.SaleTx) error {
		affected, err := tx.ConditionalDecrementBatch(ctx, batchID, 10, 2)
		if err != nil {
			return err
		}
		if affected != 0 {
			return fmt.Errorf("expected 0 rows affected for stale read, got %d", affected)
		}
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatal("expected sale tx to surface the abort error")
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM product_batches WHERE id = $1
	`, batchID).Scan(&qty); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if qty != 6 {
		t.Fatalf("expected quantity 6 after rollback, got %d", qty)
	}

	// Draining the batch flips it inactive.
	err = s.RunSaleTx(ctx, func(ctx context.Context, tx store.SaleTx) error {
		affected, err := tx.ConditionalDecrementBatch(ctx, batchID, 6, 6)
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("expected 1 row affected, got %d", affected)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain tx: %v", err)
	}

	var active bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity, active FROM product_batches WHERE id = $1
	`, batchID).Scan(&qty, &active); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if qty != 0 || active {
		t.Fatalf("expected drained inactive batch, got quantity=%d active=%v", qty, active)
	}

	// Restocking on return reactivates it.
	err = s.RunSaleTx(ctx, func(ctx context.Context, tx store.SaleTx) error {
		return tx.IncrementBatch(ctx, batchID, 3)
	})
	if err != nil {
		t.Fatalf("restock tx: %v", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity, active FROM product_batches WHERE id = $1
	`, batchID).Scan(&qty, &active); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if qty != 3 || !active {
		t.Fatalf("expected restocked active batch, got quantity=%d active=%v", qty, active)
	}
}
