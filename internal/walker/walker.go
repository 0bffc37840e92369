// Package walker traverses a store collection page by page in key order.
//
// Traversal state lives only in the cursor of one ForEachPage call and is
// never persisted; a restarted process walks from the beginning again.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/stacklok/catalog-mirror/internal/store"
)

// DefaultPageSize is used when a caller passes a non-positive page size
const DefaultPageSize = 100

// PageHandler processes one page of documents
type PageHandler func(ctx context.Context, page []store.Document) error

// Result summarises one traversal
type Result struct {
	Pages       int
	Documents   int
	FailedPages int
	// Err joins the handler failures of failed pages
	Err error
}

// Walker opens one cursor per traversal
type Walker struct {
	store store.Store
}

// New creates a walker over the given store
func New(s store.Store) *Walker {
	return &Walker{store: s}
}

// ForEachPage calls handler once per non-empty page of collection in key
// order. A handler failure is recorded in the result and the traversal moves
// on to the next page. The returned error is reserved for failures of the
// traversal itself: opening or reading the cursor, or cancellation. The
// cursor is closed in every case.
func (w *Walker) ForEachPage(ctx context.Context, collection string, pageSize int, handler PageHandler) (*Result, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	cur, err := w.store.OpenCursor(ctx, collection, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor on %s: %w", collection, err)
	}
	defer func() {
		// The traversal context may already be cancelled
		if err := cur.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to close cursor", "collection", collection, "error", err)
		}
	}()

	res := &Result{}
	var handlerErrs []error
	for {
		if err := ctx.Err(); err != nil {
			res.Err = errors.Join(handlerErrs...)
			return res, err
		}

		page, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = errors.Join(handlerErrs...)
			return res, fmt.Errorf("failed to read page %d of %s: %w", res.Pages+1, collection, err)
		}
		if len(page) == 0 {
			continue
		}

		res.Pages++
		res.Documents += len(page)
		if err := handler(ctx, page); err != nil {
			res.FailedPages++
			handlerErrs = append(handlerErrs, fmt.Errorf("page %d: %w", res.Pages, err))
			slog.Warn("Page handler failed, continuing traversal",
				"collection", collection,
				"page", res.Pages,
				"error", err)
		}
	}

	res.Err = errors.Join(handlerErrs...)
	slog.Debug("Traversal complete",
		"collection", collection,
		"pages", res.Pages,
		"documents", res.Documents,
		"failed_pages", res.FailedPages)
	return res, nil
}
