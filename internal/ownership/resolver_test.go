package ownership

import (
	"context"
	"math/rand"
	"strconv"
	"testing"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"gorm.io/gorm"
)

type namedThing struct {
	ID       string  `gorm:"column:id;primaryKey"`
	Name     string  `gorm:"column:name"`
	ParentID *string `gorm:"column:parent_id"`
}

func (namedThing) TableName() string {
	return "named_things"
}

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB, dbctx.Context) {
	t.Helper()
	models := append([]any{&Ownership{}, &namedThing{}}, users.Models()...)
	db := testutil.OpenSQLite(t, models...)
	return NewResolver(db, nil), db, dbctx.Context{Ctx: context.Background()}
}

func TestSetAndGet(t *testing.T) {
	resolver, _, dbc := newTestResolver(t)
	resource := Resource{Type: ResourceTag, ID: "tag-1"}
	if err := resolver.Set(dbc, resource, User("u1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	owner, err := resolver.Get(dbc, resource)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if owner != User("u1") {
		t.Fatalf("unexpected owner %v", owner)
	}

	if _, err := resolver.Get(dbc, Resource{Type: ResourceTag, ID: "missing"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := resolver.Set(dbc, Resource{Type: "bogus", ID: "x"}, User("u1")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected Validation for unknown resource type, got %v", err)
	}
}

func TestSetBulkKeepsOneRowPerResource(t *testing.T) {
	resolver, db, dbc := newTestResolver(t)
	rng := rand.New(rand.NewSource(3))
	owners := []Owner{User("u1"), User("u2"), Group("g1")}

	for round := 0; round < 20; round++ {
		batch := make([]Resource, 0, 5)
		for i := 0; i < 5; i++ {
			batch = append(batch, Resource{Type: ResourceNode, ID: "n" + strconv.Itoa(rng.Intn(8))})
		}
		if err := resolver.SetBulk(dbc, dedupe(batch), owners[rng.Intn(len(owners))]); err != nil {
			t.Fatalf("round %d: set bulk: %v", round, err)
		}
	}

	type row struct {
		ResourceID string
		N          int64
	}
	var rows []row
	if err := db.Model(&Ownership{}).Select("resource_id, COUNT(*) AS n").Group("resource_type, resource_id").Scan(&rows).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	for _, r := range rows {
		if r.N != 1 {
			t.Fatalf("resource %s has %d ownership rows", r.ResourceID, r.N)
		}
	}
}

func dedupe(in []Resource) []Resource {
	seen := map[Resource]bool{}
	out := in[:0]
	for _, r := range in {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func TestTransferAndOwnedCount(t *testing.T) {
	resolver, _, dbc := newTestResolver(t)
	resources := []Resource{{Type: ResourceNode, ID: "a"}, {Type: ResourceTag, ID: "b"}}
	if err := resolver.SetBulk(dbc, resources, User("u1")); err != nil {
		t.Fatalf("set bulk: %v", err)
	}
	moved, err := resolver.Transfer(dbc, User("u1"), Group("g1"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}
	if n, _ := resolver.OwnedCount(dbc, User("u1")); n != 0 {
		t.Fatalf("expected u1 to own nothing, got %d", n)
	}
	if n, _ := resolver.OwnedCount(dbc, Group("g1")); n != 2 {
		t.Fatalf("expected g1 to own 2, got %d", n)
	}
}

func TestCheckHonoursGroupMembership(t *testing.T) {
	resolver, db, dbc := newTestResolver(t)
	if err := db.Create(&users.Membership{UserID: "member", GroupID: "g1"}).Error; err != nil {
		t.Fatalf("create membership: %v", err)
	}
	resource := Resource{Type: ResourceCustomField, ID: "cf-1"}
	if err := resolver.Set(dbc, resource, Group("g1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if ok, err := resolver.Check(dbc, "member", resource); err != nil || !ok {
		t.Fatalf("member should have access, ok=%v err=%v", ok, err)
	}
	if ok, _ := resolver.Check(dbc, "stranger", resource); ok {
		t.Fatalf("stranger must not have access")
	}
	if err := resolver.Require(dbc, "stranger", resource); !apperr.Is(err, apperr.KindAccessDenied) {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
	if ok, _ := resolver.Check(dbc, "member", Resource{Type: ResourceNode, ID: "unowned"}); ok {
		t.Fatalf("unowned resources are not accessible")
	}
}

func TestEnsureUniqueIsCaseInsensitivePerOwnerAndScope(t *testing.T) {
	resolver, db, dbc := newTestResolver(t)
	parent := "folder-1"
	things := []namedThing{
		{ID: "t1", Name: "Invoices", ParentID: &parent},
		{ID: "t2", Name: "Receipts"},
	}
	if err := db.Create(&things).Error; err != nil {
		t.Fatalf("create things: %v", err)
	}
	_ = resolver.Set(dbc, Resource{Type: ResourceNode, ID: "t1"}, User("u1"))
	_ = resolver.Set(dbc, Resource{Type: ResourceNode, ID: "t2"}, User("u1"))

	rule := UniqueName{
		Table:        "named_things",
		Column:       "name",
		ResourceType: ResourceNode,
		Owner:        User("u1"),
		Value:        "INVOICES",
		Scopes:       []Scope{{Column: "parent_id", Value: &parent}},
	}
	if err := resolver.EnsureUnique(dbc, rule); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}

	rule.ExcludeID = "t1"
	if err := resolver.EnsureUnique(dbc, rule); err != nil {
		t.Fatalf("renaming a resource to its own name must pass: %v", err)
	}

	rule.ExcludeID = ""
	rule.Owner = User("u2")
	if err := resolver.EnsureUnique(dbc, rule); err != nil {
		t.Fatalf("other owners may reuse names: %v", err)
	}

	rootRule := UniqueName{
		Table:        "named_things",
		Column:       "name",
		ResourceType: ResourceNode,
		Owner:        User("u1"),
		Value:        "receipts",
		Scopes:       []Scope{{Column: "parent_id", Value: nil}},
	}
	if err := resolver.EnsureUnique(dbc, rootRule); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict among root siblings, got %v", err)
	}
}
