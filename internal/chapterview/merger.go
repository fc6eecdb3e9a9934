// Package chapterview joins a series' chapters with the user's reading progress.
package chapterview

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errMissingSource = errors.New("chapterview: chapter source is required")

// View is a chapter annotated with the reader's progress.
type View struct {
	comics.Chapter
	IsRead   bool `json:"isRead"`
	LastPage int  `json:"lastPage"`
}

// Source loads chapters and progress for a series.
type Source interface {
	LoadChapters(ctx context.Context, owner comics.Owner, seriesSlug string) ([]comics.Chapter, error)
	LoadProgress(ctx context.Context, owner comics.Owner, seriesSlug string) (map[string]comics.Progress, error)
}

// Merger produces chapter views for a series.
type Merger struct {
	source Source
	logger *zap.Logger
}

// NewMerger constructs a Merger.
func NewMerger(source Source, logger *zap.Logger) (*Merger, error) {
	if source == nil {
		return nil, errMissingSource
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{source: source, logger: logger}, nil
}

// Merge loads chapters and progress concurrently and joins them. A failed
// progress fetch degrades to no progress; a failed chapter fetch is returned.
func (m *Merger) Merge(ctx context.Context, owner comics.Owner, seriesSlug string) ([]View, error) {
	var (
		chapters []comics.Chapter
		progress map[string]comics.Progress
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loaded, err := m.source.LoadChapters(groupCtx, owner, seriesSlug)
		if err != nil {
			return err
		}
		chapters = loaded
		return nil
	})
	group.Go(func() error {
		loaded, err := m.source.LoadProgress(groupCtx, owner, seriesSlug)
		if err != nil {
			m.logger.Warn("progress unavailable, showing chapters as unread",
				zap.String("series", seriesSlug),
				zap.Error(err))
			return nil
		}
		progress = loaded
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return Join(chapters, progress), nil
}

// Join annotates each chapter with its progress, defaulting to unread at page zero.
func Join(chapters []comics.Chapter, progress map[string]comics.Progress) []View {
	views := make([]View, 0, len(chapters))
	for _, chapter := range chapters {
		view := View{Chapter: chapter}
		if record, ok := progress[chapter.ID]; ok {
			view.IsRead = record.IsRead
			view.LastPage = record.LastPage
		}
		views = append(views, view)
	}
	return views
}

// Patch returns a copy of views with the progress of one chapter replaced.
func Patch(views []View, chapterID string, isRead bool, lastPage int) []View {
	patched := make([]View, len(views))
	copy(patched, views)
	for index := range patched {
		if patched[index].ID == chapterID {
			patched[index].IsRead = isRead
			patched[index].LastPage = lastPage
		}
	}
	return patched
}

// IndexOf returns the position of chapterID in views, or -1.
func IndexOf(views []View, chapterID string) int {
	for index, view := range views {
		if view.ID == chapterID {
			return index
		}
	}
	return -1
}
