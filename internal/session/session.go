// Package session drives one signed-in user's walk through the library,
// series and reader views.
//
// A Session serialises its own handlers; progress writes issued by the reader
// run in the background and never block a handler.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/catalog"
	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/identity"
	"github.com/MarcoPoloResearchLab/panels/internal/ingest"
	"github.com/MarcoPoloResearchLab/panels/internal/reader"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSeries reports a slug that is not in the library.
	ErrUnknownSeries = errors.New("session: unknown series")
	// ErrNotReading reports a reader operation outside the reader view.
	ErrNotReading = errors.New("session: reader is not open")
	// ErrNoSeriesOpen reports a chapter operation with no series open.
	ErrNoSeriesOpen = errors.New("session: no series open")
)

// Library is the comics repository a session reads and writes through.
type Library interface {
	chapterview.Source
	reader.ProgressSaver
	LoadSeries(ctx context.Context, owner comics.Owner) (map[string]comics.Series, error)
	UpdateSeries(ctx context.Context, owner comics.Owner, slug string, update comics.SeriesUpdate) error
	DeleteSeries(ctx context.Context, owner comics.Owner, slug string) error
	MarkChapterAsRead(ctx context.Context, owner comics.Owner, chapter comics.Chapter) (comics.Progress, error)
	MarkChapterAsUnread(ctx context.Context, owner comics.Owner, slug, chapterID string) (comics.Progress, error)
	ReadingStats(ctx context.Context, owner comics.Owner) (comics.Stats, error)
	NextWriteSeq() int64
}

// Uploader ingests chapter files.
type Uploader interface {
	Ingest(ctx context.Context, owner comics.Owner, files []ingest.File) (ingest.Report, error)
}

// Config wires a Session.
type Config struct {
	Profile   identity.Profile
	Library   Library
	Merger    *chapterview.Merger
	Uploader  Uploader
	Notifier  Notifier
	StatusTTL time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Session is the state of one signed-in user.
type Session struct {
	mu sync.Mutex

	profile   identity.Profile
	owner     comics.Owner
	library   Library
	merger    *chapterview.Merger
	uploader  Uploader
	notifier  Notifier
	statusTTL time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	catalog   *catalog.Catalog
	view      View
	navigator *reader.Navigator
	writer    *reader.AsyncWriter
	viewport  reader.Viewport
	dualMode  reader.DualPageMode
	scale     reader.ImageScale
	status    status

	background sync.WaitGroup
}

// New constructs a Session in the library view. Load fills the catalog.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Profile.ID) == "" {
		return nil, identity.ErrNotSignedIn
	}
	if cfg.Library == nil || cfg.Merger == nil || cfg.Uploader == nil {
		return nil, errors.New("session: library, merger and uploader are required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	statusTTL := cfg.StatusTTL
	if statusTTL <= 0 {
		statusTTL = defaultStatusTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	owner := comics.Owner{UserID: cfg.Profile.ID, Email: cfg.Profile.Email}

	session := &Session{
		profile:   cfg.Profile,
		owner:     owner,
		library:   cfg.Library,
		merger:    cfg.Merger,
		uploader:  cfg.Uploader,
		notifier:  notifier,
		statusTTL: statusTTL,
		clock:     clock,
		logger:    logger.With(zap.String("user_id", owner.UserID)),
		catalog:   catalog.New(),
		view:      LibraryView(),
		dualMode:  reader.ModeAuto,
		scale:     reader.ScaleFit,
	}
	session.writer = reader.NewAsyncWriter(reader.StoreWriter{
		Saver:   cfg.Library,
		Owner:   owner,
		Logger:  session.logger,
		OnSaved: session.progressSaved,
	})
	return session, nil
}

// Profile returns the signed-in user.
func (s *Session) Profile() identity.Profile {
	return s.profile
}

// Load rebuilds the catalog from the store.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *Session) reload(ctx context.Context) error {
	series, err := s.library.LoadSeries(ctx, s.owner)
	if err != nil {
		s.logger.Error("library load failed", zap.Error(err))
		s.setStatus(messageLoadFailed)
		return err
	}
	s.catalog.Rebuild(series)
	if len(series) == 0 {
		s.status = status{message: messageEmptyLibrary}
	}
	return nil
}

// Welcome shows the sign-in greeting.
func (s *Session) Welcome() {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.profile.DisplayName
	if name == "" {
		name = s.profile.Email
	}
	s.setStatus(fmt.Sprintf(messageWelcomeTemplate, name))
}

// Upload ingests files and rebuilds the catalog. An empty batch does nothing.
func (s *Session) Upload(ctx context.Context, files []ingest.File) (ingest.Report, error) {
	if len(files) == 0 {
		return ingest.Report{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.uploader.Ingest(ctx, s.owner, files)
	if err != nil {
		s.logger.Error("upload failed", zap.String("batch_id", report.BatchID), zap.Error(err))
		// Series written before the failure still belong in the catalog.
		_ = s.reload(ctx)
		s.setStatus(ingest.FailureMessage)
		if report.FilesAccepted > 0 {
			s.notifier.Notify(Notification{Type: NotificationLibraryChange, UserID: s.owner.UserID})
		}
		return report, err
	}
	if err := s.reload(ctx); err != nil {
		return report, err
	}
	s.setStatus(report.Message())
	s.notifier.Notify(Notification{Type: NotificationLibraryChange, UserID: s.owner.UserID})
	return report, nil
}

// Library returns the series whose titles contain term.
func (s *Session) Library(term string) []comics.Series {
	return s.catalog.Filter(term)
}

// OpenSeries merges chapters with progress and shows the series view.
func (s *Session) OpenSeries(ctx context.Context, slug string) ([]chapterview.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Transition(s.view, Event{Kind: EventOpenSeries, SeriesSlug: slug})
	if err != nil {
		return nil, err
	}
	if _, ok := s.catalog.Get(slug); !ok {
		return nil, ErrUnknownSeries
	}

	views, err := s.merger.Merge(ctx, s.owner, slug)
	if err != nil {
		s.logger.Error("series load failed", zap.String("series", slug), zap.Error(err))
		s.setStatus(messageSeriesFailed)
		return nil, err
	}

	s.navigator = reader.NewNavigator(reader.Config{
		SeriesSlug:   slug,
		Chapters:     views,
		Writer:       s.writer,
		Sequencer:    s.library,
		Viewport:     s.viewport,
		DualPageMode: s.dualMode,
		ImageScale:   s.scale,
		Logger:       s.logger,
	})
	s.view = next
	return views, nil
}

// Chapters returns the open series' chapters whose title or number matches term.
func (s *Session) Chapters(term string) ([]chapterview.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.navigator == nil {
		return nil, ErrNoSeriesOpen
	}
	return catalog.FilterChapters(s.navigator.Chapters(), term), nil
}

// OpenChapter shows chapterID in the reader at its resume page.
func (s *Session) OpenChapter(ctx context.Context, chapterID string) (reader.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.navigator == nil {
		return reader.State{}, ErrNoSeriesOpen
	}

	if _, err := Transition(s.view, Event{Kind: EventOpenChapter, SeriesSlug: s.view.SeriesSlug, ChapterID: chapterID}); err != nil {
		return reader.State{}, err
	}
	if err := s.navigator.OpenChapter(ctx, chapterID); err != nil {
		return reader.State{}, err
	}
	s.view = ReaderView(s.view.SeriesSlug, chapterID, s.navigator.Page())
	s.stampLastRead(ctx, s.view.SeriesSlug)
	return s.navigator.Snapshot(), nil
}

// Next advances the reader.
func (s *Session) Next(ctx context.Context) (reader.State, error) {
	return s.withReader(func(navigator *reader.Navigator) {
		navigator.NextPage(ctx)
	})
}

// Prev steps the reader back.
func (s *Session) Prev(ctx context.Context) (reader.State, error) {
	return s.withReader(func(navigator *reader.Navigator) {
		navigator.PrevPage(ctx)
	})
}

// Tap dispatches a click on the reader surface.
func (s *Session) Tap(ctx context.Context, x, y, width, height float64) (reader.State, error) {
	return s.withReader(func(navigator *reader.Navigator) {
		navigator.HandleTap(ctx, x, y, width, height)
	})
}

// Key applies a reader key binding. Escape leaves the reader.
func (s *Session) Key(ctx context.Context, key string) (View, reader.State, error) {
	var action reader.Action
	state, err := s.withReader(func(navigator *reader.Navigator) {
		action = navigator.HandleKey(ctx, key)
	})
	if err != nil {
		return View{}, reader.State{}, err
	}
	if action != reader.ActionBack {
		return s.View(), state, nil
	}
	view, err := s.Back()
	return view, state, err
}

// SetViewport records the reader surface size.
func (s *Session) SetViewport(viewport reader.Viewport) reader.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = viewport
	if s.navigator == nil {
		return reader.State{Viewport: viewport, DualPageMode: s.dualMode, ImageScale: s.scale}
	}
	s.navigator.SetViewport(viewport)
	return s.navigator.Snapshot()
}

// Back leaves the reader for the series view, or the series view for the library.
func (s *Session) Back() (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := EventBackToLibrary
	if s.view.Kind == KindReader {
		event = EventBackToSeries
	}
	next, err := Transition(s.view, Event{Kind: event})
	if err != nil {
		return s.view, err
	}
	if next.Kind == KindLibrary {
		s.navigator = nil
	}
	s.view = next
	return next, nil
}

// Reader returns the reader state.
func (s *Session) Reader() (reader.State, error) {
	return s.withReader(func(*reader.Navigator) {})
}

// MarkRead stores chapterID of the open series as read at its last page.
func (s *Session) MarkRead(ctx context.Context, chapterID string) (comics.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, err := s.openChapterView(chapterID)
	if err != nil {
		return comics.Progress{}, err
	}
	progress, err := s.library.MarkChapterAsRead(ctx, s.owner, view.Chapter)
	if err != nil {
		return comics.Progress{}, err
	}
	s.navigator.Apply(chapterID, progress.IsRead, progress.LastPage)
	s.progressSaved(progress, true)
	return progress, nil
}

// MarkUnread resets chapterID of the open series to unread.
func (s *Session) MarkUnread(ctx context.Context, chapterID string) (comics.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, err := s.openChapterView(chapterID)
	if err != nil {
		return comics.Progress{}, err
	}
	progress, err := s.library.MarkChapterAsUnread(ctx, s.owner, view.SeriesSlug, chapterID)
	if err != nil {
		return comics.Progress{}, err
	}
	s.navigator.Apply(chapterID, progress.IsRead, progress.LastPage)
	s.progressSaved(progress, true)
	return progress, nil
}

// UpdateSeries applies a partial metadata update and rebuilds the catalog.
func (s *Session) UpdateSeries(ctx context.Context, slug string, update comics.SeriesUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.library.UpdateSeries(ctx, s.owner, slug, update); err != nil {
		return err
	}
	s.notifier.Notify(Notification{Type: NotificationLibraryChange, UserID: s.owner.UserID, SeriesSlug: slug})
	return s.reload(ctx)
}

// DeleteSeries removes a series with its chapters and progress. Views inside
// the deleted series fall back to the library.
func (s *Session) DeleteSeries(ctx context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.library.DeleteSeries(ctx, s.owner, slug); err != nil {
		return err
	}
	next, _ := Transition(s.view, Event{Kind: EventSeriesDeleted, SeriesSlug: slug})
	if next.Kind == KindLibrary {
		s.navigator = nil
	}
	s.view = next
	s.notifier.Notify(Notification{Type: NotificationLibraryChange, UserID: s.owner.UserID, SeriesSlug: slug})
	return s.reload(ctx)
}

// Stats returns library-wide reading statistics.
func (s *Session) Stats(ctx context.Context) (comics.Stats, error) {
	return s.library.ReadingStats(ctx, s.owner)
}

// Status returns the status line visible at now.
func (s *Session) Status(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.at(now)
}

// View returns the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Close waits for background writes issued by this session.
func (s *Session) Close() {
	s.writer.Wait()
	s.background.Wait()
}

func (s *Session) withReader(apply func(navigator *reader.Navigator)) (reader.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Kind != KindReader || s.navigator == nil {
		return reader.State{}, ErrNotReading
	}
	apply(s.navigator)

	state := s.navigator.Snapshot()
	s.dualMode, s.scale = state.DualPageMode, state.ImageScale
	next, err := Transition(s.view, Event{Kind: EventPageChanged, ChapterID: state.ChapterID, Page: state.Page})
	if err != nil {
		return state, err
	}
	s.view = next
	return state, nil
}

func (s *Session) openChapterView(chapterID string) (chapterview.View, error) {
	if s.navigator == nil {
		return chapterview.View{}, ErrNoSeriesOpen
	}
	chapters := s.navigator.Chapters()
	index := chapterview.IndexOf(chapters, chapterID)
	if index < 0 {
		return chapterview.View{}, reader.ErrUnknownChapter
	}
	return chapters[index], nil
}

// stampLastRead records the series' lastReadAt in the background.
func (s *Session) stampLastRead(ctx context.Context, slug string) {
	readAt := s.clock().UTC()
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		err := s.library.UpdateSeries(detached, s.owner, slug, comics.SeriesUpdate{LastReadAt: &readAt})
		if err != nil {
			s.logger.Warn("series last read stamp failed", zap.String("series", slug), zap.Error(err))
		}
	}()
}

func (s *Session) progressSaved(progress comics.Progress, accepted bool) {
	if !accepted {
		return
	}
	s.notifier.Notify(Notification{
		Type:       NotificationProgressChange,
		UserID:     s.owner.UserID,
		SeriesSlug: progress.SeriesSlug,
		ChapterID:  progress.ChapterID,
		IsRead:     progress.IsRead,
		LastPage:   progress.LastPage,
	})
}

func (s *Session) setStatus(message string) {
	s.status = status{message: message, expiresAt: s.clock().Add(s.statusTTL)}
}
