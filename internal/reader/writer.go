package reader

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"go.uber.org/zap"
)

// ProgressWriter receives progress writes issued by a Navigator. Implementations
// must not report failures back; the navigator never waits on persistence.
type ProgressWriter interface {
	WriteProgress(ctx context.Context, update comics.ProgressUpdate)
}

type discardWriter struct{}

func (discardWriter) WriteProgress(context.Context, comics.ProgressUpdate) {}

// ProgressSaver persists a single progress update.
type ProgressSaver interface {
	SaveProgress(ctx context.Context, owner comics.Owner, update comics.ProgressUpdate) (comics.Progress, bool, error)
}

// StoreWriter saves progress synchronously for one owner, logging and
// swallowing failures.
type StoreWriter struct {
	Saver  ProgressSaver
	Owner  comics.Owner
	Logger *zap.Logger
	// OnSaved is invoked after every successful call, accepted or not.
	OnSaved func(progress comics.Progress, accepted bool)
}

func (w StoreWriter) WriteProgress(ctx context.Context, update comics.ProgressUpdate) {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	progress, accepted, err := w.Saver.SaveProgress(ctx, w.Owner, update)
	if err != nil {
		logger.Warn("progress write failed",
			zap.String("series", update.SeriesSlug),
			zap.String("chapter_id", update.ChapterID),
			zap.Int("last_page", update.LastPage),
			zap.Error(err))
		return
	}
	if w.OnSaved != nil {
		w.OnSaved(progress, accepted)
	}
}

// AsyncWriter runs each write of the wrapped writer on its own goroutine.
// Writes outlive the caller's context cancellation.
type AsyncWriter struct {
	next ProgressWriter
	wg   sync.WaitGroup
}

// NewAsyncWriter wraps next.
func NewAsyncWriter(next ProgressWriter) *AsyncWriter {
	return &AsyncWriter{next: next}
}

func (w *AsyncWriter) WriteProgress(ctx context.Context, update comics.ProgressUpdate) {
	detached := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.next.WriteProgress(detached, update)
	}()
}

// Wait blocks until every issued write has completed.
func (w *AsyncWriter) Wait() {
	w.wg.Wait()
}
