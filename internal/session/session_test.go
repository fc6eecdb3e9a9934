package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/docstore"
	"github.com/MarcoPoloResearchLab/panels/internal/identity"
	"github.com/MarcoPoloResearchLab/panels/internal/ingest"
	"github.com/MarcoPoloResearchLab/panels/internal/reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProfile = identity.Profile{ID: "user-1", DisplayName: "Comic Reader", Email: "reader@example.com"}

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recordingNotifier) Notify(notification Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, notification)
}

func (r *recordingNotifier) ofType(kind string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []Notification
	for _, notification := range r.notifications {
		if notification.Type == kind {
			matches = append(matches, notification)
		}
	}
	return matches
}

type harness struct {
	service  *comics.Service
	merger   *chapterview.Merger
	notifier *recordingNotifier
	session  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	service, err := comics.NewService(comics.ServiceConfig{Store: docstore.NewMemoryStore(fixedClock), Clock: fixedClock})
	require.NoError(t, err)
	ingestor, err := ingest.New(ingest.Config{Gateway: service, Clock: fixedClock})
	require.NoError(t, err)
	merger, err := chapterview.NewMerger(service, nil)
	require.NoError(t, err)
	notifier := &recordingNotifier{}

	session, err := New(Config{
		Profile:  testProfile,
		Library:  service,
		Merger:   merger,
		Uploader: ingestor,
		Notifier: notifier,
		Clock:    fixedClock,
	})
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return &harness{service: service, merger: merger, notifier: notifier, session: session}
}

func narutoFiles(count, pagesPerChapter int) []ingest.File {
	files := make([]ingest.File, 0, count)
	for chapter := 1; chapter <= count; chapter++ {
		pages := ""
		for page := 0; page < pagesPerChapter; page++ {
			if page > 0 {
				pages += ","
			}
			pages += fmt.Sprintf(`{"imageUrl": "https://cdn.example.com/%d/%d.jpg"}`, chapter, page)
		}
		files = append(files, ingest.File{
			Name: fmt.Sprintf("naruto_chapter_%d.json", chapter),
			Data: []byte(fmt.Sprintf(`{"id": %d, "chapterNumber": %d, "title": "Chapter %d", "pages": [%s]}`, chapter, chapter, chapter, pages)),
		})
	}
	return files
}

func (h *harness) remerge(t *testing.T, slug string) []chapterview.View {
	t.Helper()
	h.session.writer.Wait()
	views, err := h.merger.Merge(context.Background(), h.session.owner, slug)
	require.NoError(t, err)
	return views
}

func TestOpenMarksReadAndForwardPersistsPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.session.Upload(ctx, narutoFiles(2, 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"naruto"}, report.SeriesTouched)
	assert.Equal(t, "Successfully processed 2 files across 1 series!", h.session.Status(fixedClock()))

	views, err := h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, SeriesView("naruto"), h.session.View())

	state, err := h.session.OpenChapter(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Page)
	assert.Equal(t, ReaderView("naruto", "1", 0), h.session.View())

	merged := h.remerge(t, "naruto")
	assert.True(t, merged[0].IsRead)
	assert.Equal(t, 0, merged[0].LastPage)

	state, err = h.session.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Page)
	assert.Equal(t, ReaderView("naruto", "1", 1), h.session.View())

	merged = h.remerge(t, "naruto")
	assert.True(t, merged[0].IsRead)
	assert.Equal(t, 1, merged[0].LastPage)
	assert.False(t, merged[1].IsRead)

	assert.NotEmpty(t, h.notifier.ofType(NotificationProgressChange))
	assert.NotEmpty(t, h.notifier.ofType(NotificationLibraryChange))
}

func TestForwardCrossesIntoNextChapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(2, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	_, err = h.session.OpenChapter(ctx, "1")
	require.NoError(t, err)

	_, err = h.session.Next(ctx)
	require.NoError(t, err)
	state, err := h.session.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", state.ChapterID)
	assert.Equal(t, ReaderView("naruto", "2", 0), h.session.View())

	merged := h.remerge(t, "naruto")
	assert.Equal(t, 1, merged[0].LastPage)
	assert.True(t, merged[1].IsRead)
}

func TestOpenChapterStampsSeriesLastRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(1, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	_, err = h.session.OpenChapter(ctx, "1")
	require.NoError(t, err)

	h.session.Close()
	series, err := h.service.GetSeries(ctx, h.session.owner, "naruto")
	require.NoError(t, err)
	require.NotNil(t, series.LastReadAt)
	assert.True(t, series.LastReadAt.Equal(fixedClock()))
}

func TestBackAndEscape(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(1, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	_, err = h.session.OpenChapter(ctx, "1")
	require.NoError(t, err)

	view, _, err := h.session.Key(ctx, "Escape")
	require.NoError(t, err)
	assert.Equal(t, SeriesView("naruto"), view)

	_, err = h.session.Reader()
	require.ErrorIs(t, err, ErrNotReading)

	view, err = h.session.Back()
	require.NoError(t, err)
	assert.Equal(t, LibraryView(), view)

	_, err = h.session.Back()
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = h.session.Chapters("")
	require.ErrorIs(t, err, ErrNoSeriesOpen)
}

func TestChapterFilterFollowsLocalProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(3, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)

	progress, err := h.session.MarkRead(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.LastPage)

	chapters, err := h.session.Chapters("2")
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.True(t, chapters[0].IsRead)
	assert.Equal(t, 1, chapters[0].LastPage)

	_, err = h.session.MarkUnread(ctx, "2")
	require.NoError(t, err)
	chapters, err = h.session.Chapters("Chapter 2")
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.False(t, chapters[0].IsRead)
	assert.Equal(t, 0, chapters[0].LastPage)

	_, err = h.session.MarkRead(ctx, "9")
	require.ErrorIs(t, err, reader.ErrUnknownChapter)
}

func TestOpenSeriesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.session.OpenSeries(ctx, "naruto")
	require.ErrorIs(t, err, ErrUnknownSeries)
	assert.Equal(t, LibraryView(), h.session.View())

	_, err = h.session.Upload(ctx, narutoFiles(1, 1))
	require.NoError(t, err)

	failing := chapterFailingLibrary{Library: h.service, err: errors.New("chapters offline")}
	merger, err := chapterview.NewMerger(failing, nil)
	require.NoError(t, err)
	h.session.merger = merger

	_, err = h.session.OpenSeries(ctx, "naruto")
	require.Error(t, err)
	assert.Equal(t, LibraryView(), h.session.View())
	assert.Equal(t, messageSeriesFailed, h.session.Status(fixedClock()))
}

type chapterFailingLibrary struct {
	Library
	err error
}

func (l chapterFailingLibrary) LoadChapters(context.Context, comics.Owner, string) ([]comics.Chapter, error) {
	return nil, l.err
}

func TestStatusExpiresButEmptyLibraryWelcomeSticks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.Load(ctx))
	assert.Equal(t, messageEmptyLibrary, h.session.Status(fixedClock().Add(time.Hour)))

	h.session.Welcome()
	assert.Equal(t, "Welcome Comic Reader! Upload comics to get started.", h.session.Status(fixedClock().Add(2*time.Second)))
	assert.Empty(t, h.session.Status(fixedClock().Add(3*time.Second)))
}

func TestUploadEmptyBatchIsNoop(t *testing.T) {
	h := newHarness(t)
	report, err := h.session.Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ingest.Report{}, report)
	assert.Empty(t, h.notifier.ofType(NotificationLibraryChange))
}

type failingAfterSeriesUploader struct {
	service *comics.Service
}

func (u failingAfterSeriesUploader) Ingest(ctx context.Context, owner comics.Owner, files []ingest.File) (ingest.Report, error) {
	report := ingest.Report{BatchID: "batch-1", FilesProcessed: len(files)}
	if err := u.service.SaveSeries(ctx, owner, comics.Series{Slug: "naruto", Title: "Naruto"}); err != nil {
		return report, err
	}
	report.FilesAccepted = 1
	report.SeriesTouched = []string{"naruto"}
	return report, errors.New("store went away")
}

func TestUploadFailureStillRebuildsCatalog(t *testing.T) {
	h := newHarness(t)
	h.session.uploader = failingAfterSeriesUploader{service: h.service}

	_, err := h.session.Upload(context.Background(), narutoFiles(2, 1))
	require.Error(t, err)

	series := h.session.Library("")
	require.Len(t, series, 1)
	assert.Equal(t, "naruto", series[0].Slug)
	assert.Equal(t, ingest.FailureMessage, h.session.Status(fixedClock()))
	assert.Len(t, h.notifier.ofType(NotificationLibraryChange), 1)
}

func TestDeleteOpenSeriesReturnsToLibrary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(1, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)

	require.NoError(t, h.session.DeleteSeries(ctx, "naruto"))
	assert.Equal(t, LibraryView(), h.session.View())
	assert.Empty(t, h.session.Library(""))
}

func TestUpdateSeriesRebuildsCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(1, 2))
	require.NoError(t, err)

	title := "Naruto Shippuden"
	require.NoError(t, h.session.UpdateSeries(ctx, "naruto", comics.SeriesUpdate{Title: &title}))
	series := h.session.Library("shippuden")
	require.Len(t, series, 1)
	assert.Equal(t, title, series[0].Title)
}

func TestStatsCountsReadChapters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(2, 2))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	_, err = h.session.MarkRead(ctx, "1")
	require.NoError(t, err)

	stats, err := h.session.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChapters)
	assert.Equal(t, 1, stats.ReadChapters)
	assert.Equal(t, 50, stats.ReadingProgress)
}

func TestViewportChangesDualPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.session.Upload(ctx, narutoFiles(1, 4))
	require.NoError(t, err)
	_, err = h.session.OpenSeries(ctx, "naruto")
	require.NoError(t, err)
	_, err = h.session.OpenChapter(ctx, "1")
	require.NoError(t, err)

	state := h.session.SetViewport(reader.Viewport{Width: 1600, Height: 900})
	assert.True(t, state.DualPages)
	require.Len(t, state.Pages, 2)

	state, err = h.session.Tap(ctx, 1500, 450, 1600, 900)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Page)
}
