// Package tasks describes the downstream jobs the engine hands off after a
// commit and the queues that carry them.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Known task names. The payload of each is a contract with the external workers.
const (
	NameOCRPage               = "ocr.page"
	NamePreviewGenerate       = "preview.generate"
	NameIndexAddDoc           = "index.add_doc"
	NameIndexRemoveVersion    = "index.remove_version"
	NameIndexUpdate           = "index.update"
	NameS3AddDocVer           = "s3.add_doc_ver"
	NameS3RemoveDocVer        = "s3.remove_doc_ver"
	NameS3RemoveDocsThumbnail = "s3.remove_docs_thumbnail"
	NameS3RemovePageThumbnail = "s3.remove_page_thumbnail"
	NameConvertDocument       = "convert.document"
)

// Routes name the queue a task is delivered on.
const (
	RouteOCR     = "ocr"
	RoutePreview = "preview"
	RouteIndex   = "index"
	RouteS3      = "s3"
	RouteConvert = "convert"
)

var (
	ErrMissingTaskName = errors.New("tasks: task name required")
	ErrQueueFull       = errors.New("tasks: queue full")
	ErrNoConsumer      = errors.New("tasks: no consumer for route")
)

// Task is one fire-and-forget job.
type Task struct {
	Name           string         `json:"task_name"`
	Kwargs         map[string]any `json:"kwargs"`
	Route          string         `json:"route"`
	IdempotencyKey string         `json:"idempotency_key"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// Dispatcher submits tasks without waiting for them to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// New builds a task routed by its name prefix. The idempotency key is a hash of
// the name and kwargs, so identical submissions share a key.
func New(name string, kwargs map[string]any) Task {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	route, _, _ := strings.Cut(name, ".")
	return Task{
		Name:           name,
		Kwargs:         kwargs,
		Route:          route,
		IdempotencyKey: idempotencyKey(name, kwargs),
		EnqueuedAt:     time.Now().UTC(),
	}
}

func idempotencyKey(name string, kwargs map[string]any) string {
	// encoding/json sorts map keys, which makes the digest stable.
	encoded, err := json.Marshal(kwargs)
	if err != nil {
		encoded = []byte{}
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), encoded...))
	return hex.EncodeToString(sum[:])
}

func OCRPage(pageID, lang string) Task {
	return New(NameOCRPage, map[string]any{"page_id": pageID, "lang": lang})
}

func PreviewGenerate(documentID string, sizes []string) Task {
	return New(NamePreviewGenerate, map[string]any{"doc_id": documentID, "sizes": sizes})
}

func IndexAddDoc(documentID string) Task {
	return New(NameIndexAddDoc, map[string]any{"doc_id": documentID})
}

func IndexRemoveVersion(versionID string) Task {
	return New(NameIndexRemoveVersion, map[string]any{"version_id": versionID})
}

// IndexUpdate swaps the indexed version of a document.
func IndexUpdate(addVersionID, removeVersionID string) Task {
	return New(NameIndexUpdate, map[string]any{"add_ver_id": addVersionID, "remove_ver_id": removeVersionID})
}

func S3AddDocVer(versionIDs ...string) Task {
	return New(NameS3AddDocVer, map[string]any{"doc_ver_ids": versionIDs})
}

func S3RemoveDocVer(versionIDs ...string) Task {
	return New(NameS3RemoveDocVer, map[string]any{"doc_ver_ids": versionIDs})
}

func S3RemoveDocsThumbnail(documentIDs ...string) Task {
	return New(NameS3RemoveDocsThumbnail, map[string]any{"doc_ids": documentIDs})
}

func S3RemovePageThumbnail(pageIDs ...string) Task {
	return New(NameS3RemovePageThumbnail, map[string]any{"page_ids": pageIDs})
}

func ConvertDocument(documentID string) Task {
	return New(NameConvertDocument, map[string]any{"doc_id": documentID})
}

// String reads a string kwarg.
func (t Task) String(key string) string {
	value, _ := t.Kwargs[key].(string)
	return value
}

// Strings reads a string-list kwarg. Lists decoded from JSON arrive as []any.
func (t Task) Strings(key string) []string {
	switch value := t.Kwargs[key].(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
