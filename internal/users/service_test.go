package users

import (
	"context"
	"testing"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
)

type fakeLedger struct {
	owned       map[string]int64
	transferred []string
}

func (l *fakeLedger) CountOwned(_ dbctx.Context, ownerType, ownerID string) (int64, error) {
	return l.owned[ownerType+":"+ownerID], nil
}

func (l *fakeLedger) TransferAll(_ dbctx.Context, fromType, fromID, toType, toID string) (int64, error) {
	key := fromType + ":" + fromID
	moved := l.owned[key]
	l.owned[toType+":"+toID] += moved
	delete(l.owned, key)
	l.transferred = append(l.transferred, key+"->"+toType+":"+toID)
	return moved, nil
}

func newTestService(t *testing.T, ledger ResourceLedger) *Service {
	t.Helper()
	db := testutil.OpenSQLite(t, Models()...)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
		Ledger: ledger,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveUserStripsProviderPrefix(t *testing.T) {
	service := newTestService(t, nil)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	user, err := service.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.Provider != "google" || user.Subject != "12345" {
		t.Fatalf("expected provider prefix to be split, got %s/%s", user.Provider, user.Subject)
	}

	// second call should hit cache and not create a duplicate record.
	again, err := service.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again.ID != user.ID {
		t.Fatalf("expected canonical user id to remain stable, got %q and %q", user.ID, again.ID)
	}
}

func TestResolveUserRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestCreateUserConflictsOnDuplicateUsername(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.CreateUser(context.Background(), "alice", "a@example.com"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.CreateUser(context.Background(), "alice", ""); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestDeleteUserRequiresTransferWhenOwningResources(t *testing.T) {
	ledger := &fakeLedger{owned: map[string]int64{}}
	service := newTestService(t, ledger)
	ctx := context.Background()

	alice, err := service.CreateUser(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := service.CreateUser(ctx, "bob", "")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	ledger.owned["user:"+alice.ID] = 3

	if err := service.DeleteUser(ctx, alice.ID, nil); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict while resources are owned, got %v", err)
	}
	if err := service.DeleteUser(ctx, alice.ID, &TransferTarget{OwnerType: OwnerTypeUser, OwnerID: alice.ID}); !apperr.Is(err, apperr.KindInvalidOperation) {
		t.Fatalf("expected InvalidOperation for self transfer, got %v", err)
	}
	if err := service.DeleteUser(ctx, alice.ID, &TransferTarget{OwnerType: OwnerTypeUser, OwnerID: bob.ID}); err != nil {
		t.Fatalf("delete with transfer: %v", err)
	}
	if ledger.owned["user:"+bob.ID] != 3 {
		t.Fatalf("expected bob to inherit 3 resources, got %d", ledger.owned["user:"+bob.ID])
	}
	if _, err := service.FindUserByUsername(ctx, "alice"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected alice to be gone, got %v", err)
	}
}

func TestGroupMembership(t *testing.T) {
	service := newTestService(t, &fakeLedger{owned: map[string]int64{}})
	ctx := context.Background()
	group, err := service.CreateGroup(ctx, "accounting")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := service.AddMember(ctx, group.ID, "u1"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := service.AddMember(ctx, group.ID, "u1"); err != nil {
		t.Fatalf("re-adding a member must be a no-op: %v", err)
	}
	ok, err := IsMember(service.db, "u1", group.ID)
	if err != nil || !ok {
		t.Fatalf("expected membership, ok=%v err=%v", ok, err)
	}
	groups, _ := GroupIDs(service.db, "u1")
	if len(groups) != 1 || groups[0] != group.ID {
		t.Fatalf("unexpected groups %v", groups)
	}
	if err := service.DeleteGroup(ctx, group.ID, nil); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if ok, _ := IsMember(service.db, "u1", group.ID); ok {
		t.Fatalf("memberships must be removed with the group")
	}
}
