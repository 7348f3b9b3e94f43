package documents

import (
	"context"
	"testing"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"gorm.io/gorm"
)

type serviceFixture struct {
	service *Service
	db      *gorm.DB
	store   *artifacts.FileStore
	owner   ownership.Owner
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	models := append(Models(), ownership.Models()...)
	models = append(models, users.Models()...)
	db := testutil.OpenSQLite(t, models...)
	store, err := artifacts.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Ownership: ownership.NewResolver(db, nil),
		Store:     store,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return serviceFixture{service: service, db: db, store: store, owner: ownership.User("u1")}
}

func actorContext(t *testing.T, userID string) context.Context {
	t.Helper()
	ctx, err := audit.WithActor(context.Background(), audit.Actor{UserID: userID})
	if err != nil {
		t.Fatalf("actor: %v", err)
	}
	return ctx
}

func mustDocument(t *testing.T, f serviceFixture, parentID *string, title string) Node {
	t.Helper()
	var node Node
	err := f.db.Transaction(func(tx *gorm.DB) error {
		created, _, err := f.service.CreateDocument(dbctx.Context{Ctx: context.Background(), Tx: tx}, f.owner, parentID, title, "", StatusReady)
		node = created
		return err
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return node
}

func TestEnsureHomeIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	home, inbox, err := f.service.EnsureHome(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	if home.Title != HomeFolderTitle || inbox.Title != InboxFolderTitle {
		t.Fatalf("unexpected folders %q %q", home.Title, inbox.Title)
	}
	again, againInbox, err := f.service.EnsureHome(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("second ensure home: %v", err)
	}
	if again.ID != home.ID || againInbox.ID != inbox.ID {
		t.Fatalf("expected the same folders on the second call")
	}
}

func TestSiblingTitlesAreUniquePerKind(t *testing.T) {
	f := newServiceFixture(t)
	home, _, err := f.service.EnsureHome(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	mustDocument(t, f, &home.ID, "report.pdf")

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := f.service.CreateDocument(dbctx.Context{Ctx: context.Background(), Tx: tx}, f.owner, &home.ID, "REPORT.pdf", "", StatusReady)
		return err
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict for duplicate document title, got %v", err)
	}

	// A folder may share a title with a sibling document.
	if _, err := f.service.CreateFolder(context.Background(), f.owner, &home.ID, "report.pdf"); err != nil {
		t.Fatalf("folder with document title: %v", err)
	}
}

func TestMoveNodeRejectsDescendant(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	root, err := f.service.CreateFolder(ctx, f.owner, nil, "root")
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	child, err := f.service.CreateFolder(ctx, f.owner, &root.ID, "child")
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if err := f.service.MoveNode(ctx, root.ID, child.ID); !apperr.Is(err, apperr.KindInvalidOperation) {
		t.Fatalf("expected InvalidOperation, got %v", err)
	}
	if err := f.service.MoveNode(ctx, root.ID, root.ID); !apperr.Is(err, apperr.KindInvalidOperation) {
		t.Fatalf("expected InvalidOperation for self move, got %v", err)
	}

	other, err := f.service.CreateFolder(ctx, f.owner, nil, "other")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if err := f.service.MoveNode(ctx, child.ID, other.ID); err != nil {
		t.Fatalf("move: %v", err)
	}
	moved, err := LoadNode(f.db, child.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if moved.ParentID == nil || *moved.ParentID != other.ID {
		t.Fatalf("child was not reparented")
	}
}

func TestForeignActorSeesNotFound(t *testing.T) {
	f := newServiceFixture(t)
	doc := mustDocument(t, f, nil, "private.pdf")

	_, err := f.service.ListVersions(actorContext(t, "intruder"), doc.ID)
	if !apperr.Is(err, apperr.KindAccessDenied) {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
	status, envelope := apperr.EnvelopeOf(err)
	if status != 404 || envelope.Kind != apperr.KindNotFound {
		t.Fatalf("access failures must surface as NotFound, got %d %+v", status, envelope)
	}
	if _, err := f.service.ListVersions(actorContext(t, f.owner.ID), doc.ID); err != nil {
		t.Fatalf("owner list: %v", err)
	}
}

func TestDeleteDocumentRemovesRowsAndArtifacts(t *testing.T) {
	f := newServiceFixture(t)
	doc := mustDocument(t, f, nil, "gone.pdf")
	version := DocumentVersion{ID: "v1", DocumentID: doc.ID, Number: 1, FileName: "gone.pdf", PageCount: 1, Lang: "deu", MimeType: "application/pdf", CreationReason: ReasonUpload}
	page := Page{ID: "p1", DocumentVersionID: "v1", Number: 1, Lang: "deu"}
	if err := f.db.Create(&version).Error; err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := f.db.Create(&page).Error; err != nil {
		t.Fatalf("page: %v", err)
	}
	if err := f.store.Put(artifacts.VersionPath(f.owner.ID, doc.ID, 1, "gone.pdf"), []byte("%PDF")); err != nil {
		t.Fatalf("put pdf: %v", err)
	}
	if err := f.store.Put(artifacts.PageFile("p1", artifacts.FileText), []byte("hello")); err != nil {
		t.Fatalf("put text: %v", err)
	}

	var hooked []string
	f.service.AddDeleteHook(func(_ dbctx.Context, id string) error {
		hooked = append(hooked, id)
		return nil
	})

	cleanup, err := f.service.DeleteDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(cleanup.PageIDs) != 1 || len(hooked) != 1 {
		t.Fatalf("unexpected cleanup %+v hooks %v", cleanup, hooked)
	}
	if _, err := LoadNode(f.db, doc.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("node still present: %v", err)
	}
	var pages int64
	f.db.Model(&Page{}).Count(&pages)
	if pages != 0 {
		t.Fatalf("pages left behind: %d", pages)
	}
	if ok, _ := f.store.Exists(artifacts.PageFile("p1", artifacts.FileText)); ok {
		t.Fatalf("page bundle left behind")
	}
	if ok, _ := f.store.Exists(artifacts.VersionPath(f.owner.ID, doc.ID, 1, "gone.pdf")); ok {
		t.Fatalf("version pdf left behind")
	}
}

func TestDeleteDocumentAuditsEveryRow(t *testing.T) {
	f := newServiceFixture(t)
	if err := f.db.AutoMigrate(&audit.Entry{}); err != nil {
		t.Fatalf("migrate audit log: %v", err)
	}
	if err := audit.Register(f.db, nil); err != nil {
		t.Fatalf("register audit: %v", err)
	}
	doc := mustDocument(t, f, nil, "drained.pdf")
	version := DocumentVersion{ID: "v1", DocumentID: doc.ID, Number: 1, FileName: "drained.pdf", PageCount: 2, Lang: "deu", MimeType: "application/pdf", CreationReason: ReasonUpload}
	if err := f.db.Create(&version).Error; err != nil {
		t.Fatalf("version: %v", err)
	}
	for i, id := range []string{"p1", "p2"} {
		if err := f.db.Create(&Page{ID: id, DocumentVersionID: "v1", Number: i + 1, Lang: "deu"}).Error; err != nil {
			t.Fatalf("page %s: %v", id, err)
		}
	}

	if _, err := f.service.DeleteDocument(actorContext(t, f.owner.ID), doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var entries []audit.Entry
	if err := f.db.Order("table_name, record_id").Find(&entries).Error; err != nil {
		t.Fatalf("audit log: %v", err)
	}
	deleted := make(map[string][]string)
	for _, entry := range entries {
		if entry.DeletedBy != f.owner.ID {
			t.Fatalf("entry %+v not attributed to %s", entry, f.owner.ID)
		}
		deleted[entry.Table] = append(deleted[entry.Table], entry.RecordID)
	}
	if got := deleted["pages"]; len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Fatalf("page deletions %v", got)
	}
	if got := deleted["document_versions"]; len(got) != 1 || got[0] != "v1" {
		t.Fatalf("version deletions %v", got)
	}
	for _, table := range []string{"documents", "nodes"} {
		if got := deleted[table]; len(got) != 1 || got[0] != doc.ID {
			t.Fatalf("%s deletions %v", table, got)
		}
	}
}

func TestFileByPathCreatesFolders(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	home, _, err := f.service.EnsureHome(ctx, f.owner)
	if err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	doc := mustDocument(t, f, &home.ID, "invoice.pdf")

	folder, err := f.service.FileByPath(ctx, doc.ID, "/home/Invoices/2024")
	if err != nil {
		t.Fatalf("file by path: %v", err)
	}
	if folder.Title != "2024" {
		t.Fatalf("unexpected leaf folder %q", folder.Title)
	}
	reloaded, err := LoadNode(f.db, doc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.ParentID == nil || *reloaded.ParentID != folder.ID {
		t.Fatalf("document not moved into %s", folder.ID)
	}

	// Filing again reuses the existing folders.
	again, err := f.service.FileByPath(ctx, doc.ID, "home/invoices/2024")
	if err != nil {
		t.Fatalf("second file by path: %v", err)
	}
	if again.ID != folder.ID {
		t.Fatalf("expected folder reuse")
	}
}

func TestTagNode(t *testing.T) {
	f := newServiceFixture(t)
	ctx := actorContext(t, f.owner.ID)
	doc := mustDocument(t, f, nil, "tagged.pdf")
	tag, err := f.service.CreateTag(ctx, f.owner, "urgent", "#ff0000", "#ffffff")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if _, err := f.service.CreateTag(ctx, f.owner, "Urgent", "", ""); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	for range 2 {
		if err := f.service.TagNode(ctx, doc.ID, tag.ID); err != nil {
			t.Fatalf("tag node: %v", err)
		}
	}
	var links int64
	f.db.Model(&NodeTag{}).Count(&links)
	if links != 1 {
		t.Fatalf("expected one link, got %d", links)
	}
}
