package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/wager/internal/config"
	"github.com/MarkoPoloResearchLab/wager/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wager/internal/store/memstore"
)

func TestResolveDriver(test *testing.T) {
	dir := test.TempDir()
	testCases := []struct {
		name   string
		dsn    string
		driver string
		path   string
	}{
		{name: "postgres", dsn: "postgres://wager@localhost/wager", driver: "postgres"},
		{name: "postgresql", dsn: "postgresql://wager@localhost/wager", driver: "postgres"},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a.db"), driver: "sqlite", path: filepath.Join(dir, "a.db")},
		{name: "plain path", dsn: filepath.Join(dir, "nested", "b.db"), driver: "sqlite", path: filepath.Join(dir, "nested", "b.db")},
		{name: "in memory", dsn: ":memory:", driver: "sqlite", path: ":memory:"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			driver, path, err := resolveDriver(testCase.dsn)
			if err != nil {
				test.Fatalf("resolveDriver: %v", err)
			}
			if driver != testCase.driver || path != testCase.path {
				test.Fatalf("got %q %q, want %q %q", driver, path, testCase.driver, testCase.path)
			}
		})
	}
}

func TestOpenStoreSelectsImplementation(test *testing.T) {
	ctx := context.Background()

	memory, closeMemory, err := openStore(ctx, config.Config{DatabaseURL: memoryDatabaseURL, StoreDriver: config.StoreDriverGORM})
	if err != nil {
		test.Fatalf("memory store: %v", err)
	}
	defer closeMemory()
	if _, ok := memory.(*memstore.Store); !ok {
		test.Fatalf("expected memstore, got %T", memory)
	}

	sqliteURL := "sqlite://" + filepath.Join(test.TempDir(), "wager.db")
	persistent, closePersistent, err := openStore(ctx, config.Config{DatabaseURL: sqliteURL, StoreDriver: config.StoreDriverGORM})
	if err != nil {
		test.Fatalf("sqlite store: %v", err)
	}
	defer closePersistent()
	if _, ok := persistent.(*gormstore.Store); !ok {
		test.Fatalf("expected gormstore, got %T", persistent)
	}
	wallet, err := persistent.GetOrCreateWallet(ctx, "player-1")
	if err != nil {
		test.Fatalf("migrated schema should accept wallets: %v", err)
	}
	if wallet.UserID != "player-1" || !wallet.AvailableFC.IsZero() {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
}
