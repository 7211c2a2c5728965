package postgres

import (
	"context"
	"testing"
	"time"
)

func TestMigrator_PostgresUpStatusAndDown(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if count == 0 || version == 0 {
		t.Fatalf("expected applied migrations, got version=%d count=%d", version, count)
	}

	// Повторный up должен быть no-op.
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("repeat migrate up: %v", err)
	}
	version2, count2, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after repeat: %v", err)
	}
	if version2 != version || count2 != count {
		t.Fatalf("repeat up changed state: version=%d count=%d", version2, count2)
	}

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	version3, count3, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after down: %v", err)
	}
	if count3 != count-1 || version3 >= version {
		t.Fatalf("unexpected state after down: version=%d count=%d", version3, count3)
	}

	// Вернуть схему, чтобы не ломать соседние интеграционные тесты.
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("restore migrate up: %v", err)
	}
}
