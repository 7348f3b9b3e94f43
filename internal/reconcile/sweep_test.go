package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/mimeguard"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"gorm.io/gorm"
)

type fixture struct {
	sweeper  *Sweeper
	engine   *versions.Engine
	store    *artifacts.FileStore
	db       *gorm.DB
	recorder *tasks.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	models := append(documents.Models(), ownership.Models()...)
	models = append(models, users.Models()...)
	db := testutil.OpenSQLite(t, models...)
	store, err := artifacts.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	docs, err := documents.NewService(documents.ServiceConfig{
		Database:  db,
		Ownership: ownership.NewResolver(db, nil),
		Store:     store,
	})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	recorder := &tasks.Recorder{}
	engine, err := versions.NewEngine(versions.EngineConfig{
		Database:   db,
		Documents:  docs,
		Store:      store,
		PDF:        pdfops.New(2, nil),
		Dispatcher: recorder,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	sweeper, err := NewSweeper(Config{Database: db, Store: store, Dispatcher: recorder, BatchSize: 1})
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	return fixture{sweeper: sweeper, engine: engine, store: store, db: db, recorder: recorder}
}

func mustUpload(t *testing.T, f fixture, data []byte, filename, contentType string) versions.UploadResult {
	t.Helper()
	result, err := f.engine.Upload(context.Background(), versions.UploadInput{
		Owner:       ownership.User("u1"),
		Title:       filename,
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
	})
	if err != nil {
		t.Fatalf("upload %s: %v", filename, err)
	}
	return result
}

func mustPages(t *testing.T, f fixture, versionID string) []documents.Page {
	t.Helper()
	pages, err := documents.VersionPages(f.db, versionID)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	return pages
}

func TestSweepRequeuesPagesWithoutText(t *testing.T) {
	f := newFixture(t)
	first := mustUpload(t, f, testutil.LabelledPDF("a", "b"), "first.pdf", mimeguard.MimePDF)
	second := mustUpload(t, f, testutil.LabelledPDF("c"), "second.pdf", mimeguard.MimePDF)
	firstPages := mustPages(t, f, first.Version.ID)
	withText := []documents.Page{firstPages[0]}
	withText = append(withText, mustPages(t, f, second.Version.ID)...)
	for _, page := range withText {
		if err := f.store.Put(artifacts.PageFile(page.ID, artifacts.FileText), []byte("ocr")); err != nil {
			t.Fatalf("put txt: %v", err)
		}
	}
	f.recorder.Reset()

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Versions != 2 || report.Pages != 3 {
		t.Fatalf("unexpected coverage %+v", report)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != firstPages[1].ID {
		t.Fatalf("expected only page b requeued, got %v", report.Requeued)
	}
	ocr := f.recorder.Named(tasks.NameOCRPage)
	if len(ocr) != 1 || ocr[0].String("page_id") != firstPages[1].ID {
		t.Fatalf("unexpected ocr tasks %+v", ocr)
	}
	if len(report.MissingPDFs) != 0 {
		t.Fatalf("unexpected missing pdfs %v", report.MissingPDFs)
	}
}

func TestSweepSkipsOlderVersionsAndUnreadyDocuments(t *testing.T) {
	f := newFixture(t)
	ready := mustUpload(t, f, testutil.LabelledPDF("a", "b"), "ready.pdf", mimeguard.MimePDF)
	if _, err := f.engine.BumpVersion(context.Background(), ready.Document.ID, 1, documents.ReasonPageEdit); err != nil {
		t.Fatalf("bump: %v", err)
	}
	mustUpload(t, f, testutil.PNG(t, 4, 4), "scan.png", mimeguard.MimePNG)
	f.recorder.Reset()

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Versions != 1 || report.Pages != 1 {
		t.Fatalf("expected only the latest ready version, got %+v", report)
	}
}

func TestSweepReportsMissingPDF(t *testing.T) {
	f := newFixture(t)
	result := mustUpload(t, f, testutil.LabelledPDF("a"), "lost.pdf", mimeguard.MimePDF)
	if err := f.store.Remove(result.Document.VersionFile(result.Version)); err != nil {
		t.Fatalf("remove pdf: %v", err)
	}

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.MissingPDFs) != 1 || report.MissingPDFs[0] != result.Version.ID {
		t.Fatalf("expected missing pdf report, got %+v", report)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
