package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
)

const sampleSeed = `
users:
  - username: alice
    email: alice@example.com
  - username: bob
groups:
  - name: finance
    members: [alice, bob]
custom_fields:
  - owner: {group: finance}
    name: Total
    type: monetary
    config:
      currency: EUR
  - owner: {group: finance}
    name: Status
    type: select
    config:
      options:
        - {value: open, label: Open}
        - {value: paid, label: Paid}
document_types:
  - owner: {group: finance}
    name: Invoice
    fields: [Total, Status]
    path_template: "/home/Invoices/{{ .ID }}.pdf"
`

type seedFixture struct {
	seeder *Seeder
	users  *users.Service
	docs   *documents.Service
	fields *customfields.Service
}

func newSeedFixture(t *testing.T) seedFixture {
	t.Helper()
	models := append(documents.Models(), ownership.Models()...)
	models = append(models, users.Models()...)
	models = append(models, customfields.Models()...)
	db := testutil.OpenSQLite(t, models...)
	store, err := artifacts.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resolver := ownership.NewResolver(db, nil)
	docs, err := documents.NewService(documents.ServiceConfig{Database: db, Ownership: resolver, Store: store})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	fields, err := customfields.NewService(customfields.ServiceConfig{Database: db, Ownership: resolver, Documents: docs})
	if err != nil {
		t.Fatalf("customfields: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Ledger: resolver})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	seeder, err := New(Config{Users: userService, Documents: docs, CustomFields: fields})
	if err != nil {
		t.Fatalf("seeder: %v", err)
	}
	return seedFixture{seeder: seeder, users: userService, docs: docs, fields: fields}
}

func mustParse(t *testing.T, text string) File {
	t.Helper()
	file, err := Parse([]byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return file
}

func TestApplyCreatesEverythingOnce(t *testing.T) {
	f := newSeedFixture(t)
	ctx := context.Background()
	file := mustParse(t, sampleSeed)

	report, err := f.seeder.Apply(ctx, file)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report != (Report{Users: 2, Groups: 1, CustomFields: 2, DocumentTypes: 1}) {
		t.Fatalf("unexpected first report %+v", report)
	}

	report, err = f.seeder.Apply(ctx, file)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if report != (Report{}) {
		t.Fatalf("second apply should create nothing, got %+v", report)
	}

	group, err := f.users.FindGroupByName(ctx, "finance")
	if err != nil {
		t.Fatalf("find group: %v", err)
	}
	docType, err := f.fields.FindDocumentTypeByName(ctx, ownership.Group(group.ID), "invoice")
	if err != nil {
		t.Fatalf("find document type: %v", err)
	}
	if docType.PathTemplate != "/home/Invoices/{{ .ID }}.pdf" {
		t.Fatalf("unexpected path template %q", docType.PathTemplate)
	}
}

func TestApplyGivesUsersHomeFolders(t *testing.T) {
	f := newSeedFixture(t)
	ctx := context.Background()
	if _, err := f.seeder.Apply(ctx, mustParse(t, sampleSeed)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	alice, err := f.users.FindUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find alice: %v", err)
	}
	home, inbox, err := f.docs.EnsureHome(ctx, ownership.User(alice.ID))
	if err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	if home.Title != documents.HomeFolderTitle || inbox.Title != documents.InboxFolderTitle {
		t.Fatalf("unexpected folders %q %q", home.Title, inbox.Title)
	}
}

func TestApplyReportsUnknownOwner(t *testing.T) {
	f := newSeedFixture(t)
	file := mustParse(t, `
custom_fields:
  - owner: {user: ghost}
    name: Total
    type: number
`)
	_, err := f.seeder.Apply(context.Background(), file)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown owner error, got %v", err)
	}
}

func TestApplyRejectsInvalidFieldConfig(t *testing.T) {
	f := newSeedFixture(t)
	file := mustParse(t, `
users:
  - username: alice
custom_fields:
  - owner: {user: alice}
    name: Status
    type: select
`)
	if _, err := f.seeder.Apply(context.Background(), file); err == nil {
		t.Fatalf("expected select without options to fail")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("userz: []\n")); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
	file, err := Parse(nil)
	if err != nil || len(file.Users) != 0 {
		t.Fatalf("empty seed should parse, got %+v %v", file, err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(sampleSeed), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	file, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(file.CustomFields) != 2 || file.CustomFields[1].Config.Options[1].Label != "Paid" {
		t.Fatalf("unexpected seed %+v", file)
	}
}
