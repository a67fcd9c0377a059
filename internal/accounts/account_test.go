package accounts

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newServiceForTest(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestEnsureCreatesFreeTierOnFirstTouch(t *testing.T) {
	service := newServiceForTest(t)
	ctx := context.Background()

	account, err := service.Ensure(ctx, "user-a")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if account.UserID != "user-a" || account.Tier != string(TierFree) {
		t.Fatalf("account = %+v", account)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	service := newServiceForTest(t)
	ctx := context.Background()

	if _, err := service.Ensure(ctx, "user-a"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := service.SetTier(ctx, "user-a", TierPlus); err != nil {
		t.Fatalf("set tier: %v", err)
	}

	// A second ensure must not reset the tier.
	account, err := service.Ensure(ctx, "user-a")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if account.Tier != string(TierPlus) {
		t.Fatalf("tier = %q, want plus", account.Tier)
	}
}

func TestEnsureRejectsEmptyUserID(t *testing.T) {
	service := newServiceForTest(t)

	if _, err := service.Ensure(context.Background(), "  "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("err = %v, want ErrInvalidUserID", err)
	}
}

func TestSetTierRequiresExistingAccount(t *testing.T) {
	service := newServiceForTest(t)

	err := service.SetTier(context.Background(), "user-missing", TierPlus)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestTierForUserDefaultsToFree(t *testing.T) {
	service := newServiceForTest(t)
	ctx := context.Background()

	if tier := TierForUser(service.db, "user-unknown"); tier != TierFree {
		t.Fatalf("tier = %q, want free", tier)
	}

	if _, err := service.Ensure(ctx, "user-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := service.SetTier(ctx, "user-a", TierPlus); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if tier := TierForUser(service.db, "user-a"); tier != TierPlus {
		t.Fatalf("tier = %q, want plus", tier)
	}
}

func TestRetentionFor(t *testing.T) {
	if got := RetentionFor(TierFree); got != 10 {
		t.Fatalf("free retention = %d, want 10", got)
	}
	if got := RetentionFor(TierPlus); got != 25 {
		t.Fatalf("plus retention = %d, want 25", got)
	}
	if got := RetentionFor(Tier("unknown")); got != 10 {
		t.Fatalf("unknown tier retention = %d, want 10", got)
	}
}
