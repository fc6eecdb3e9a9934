package comics

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/docstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	orderByChapterNumber = "chapterNumber"
	statsConcurrency     = 4
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store  docstore.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the typed repository for series, chapters, and reading progress.
type Service struct {
	store  docstore.Store
	clock  func() time.Time
	logger *zap.Logger
	locks  *keyedMutex

	seqMu   sync.Mutex
	lastSeq int64
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
		locks:  newKeyedMutex(),
	}, nil
}

// NextWriteSeq returns a strictly increasing progress write sequence derived from the clock.
func (s *Service) NextWriteSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	candidate := s.clock().UnixMicro()
	if candidate <= s.lastSeq {
		candidate = s.lastSeq + 1
	}
	s.lastSeq = candidate
	return candidate
}

// SaveSeries merges series metadata into the user's series collection.
func (s *Service) SaveSeries(ctx context.Context, owner Owner, series Series) error {
	if err := s.requireOwner(opSaveSeries, owner); err != nil {
		return err
	}
	slug, err := NewSeriesSlug(series.Slug)
	if err != nil {
		return s.invalidInput(opSaveSeries, err)
	}
	series.Slug = slug.String()
	series.UpdatedAt = s.clock().UTC()
	series.CreatedBy = owner.label()

	fields, err := docstore.FieldsOf(series)
	if err != nil {
		s.logError(opSaveSeries, reasonEncodeFailed, err, zap.String("series", series.Slug))
		return newServiceError(opSaveSeries, reasonEncodeFailed, err)
	}
	path, err := docstore.NewPath(docstore.SeriesCollection(), series.Slug)
	if err != nil {
		return s.invalidInput(opSaveSeries, err)
	}
	if err := s.store.SetDoc(ctx, owner.UserID, path, fields, true); err != nil {
		return s.storeFailure(opSaveSeries, err, zap.String("series", series.Slug))
	}
	return nil
}

// LoadSeries returns every series of the user keyed by slug.
func (s *Service) LoadSeries(ctx context.Context, owner Owner) (map[string]Series, error) {
	if err := s.requireOwner(opLoadSeries, owner); err != nil {
		return nil, err
	}
	documents, err := s.store.GetDocs(ctx, owner.UserID, docstore.SeriesCollection(), "")
	if err != nil {
		return nil, s.storeFailure(opLoadSeries, err)
	}
	series := make(map[string]Series, len(documents))
	for _, document := range documents {
		var decoded Series
		if err := document.Decode(&decoded); err != nil {
			s.logError(opLoadSeries, reasonDecodeFailed, err, zap.String("series", document.Path.ID))
			continue
		}
		decoded.Slug = document.Path.ID
		series[decoded.Slug] = decoded
	}
	return series, nil
}

// GetSeries returns a single series.
func (s *Service) GetSeries(ctx context.Context, owner Owner, rawSlug string) (Series, error) {
	if err := s.requireOwner(opGetSeries, owner); err != nil {
		return Series{}, err
	}
	path, err := seriesPath(rawSlug)
	if err != nil {
		return Series{}, s.invalidInput(opGetSeries, err)
	}
	document, err := s.store.GetDoc(ctx, owner.UserID, path)
	if err != nil {
		return Series{}, s.storeFailure(opGetSeries, err, zap.String("series", path.ID))
	}
	var series Series
	if err := document.Decode(&series); err != nil {
		s.logError(opGetSeries, reasonDecodeFailed, err, zap.String("series", path.ID))
		return Series{}, newServiceError(opGetSeries, reasonDecodeFailed, err)
	}
	series.Slug = path.ID
	return series, nil
}

// UpdateSeries applies a partial metadata update to an existing series.
func (s *Service) UpdateSeries(ctx context.Context, owner Owner, rawSlug string, update SeriesUpdate) error {
	if err := s.requireOwner(opUpdateSeries, owner); err != nil {
		return err
	}
	path, err := seriesPath(rawSlug)
	if err != nil {
		return s.invalidInput(opUpdateSeries, err)
	}
	if update.TotalChapters != nil && *update.TotalChapters < 0 {
		return s.invalidInput(opUpdateSeries, errors.New("totalChapters must not be negative"))
	}
	fields, err := docstore.FieldsOf(update)
	if err != nil {
		s.logError(opUpdateSeries, reasonEncodeFailed, err, zap.String("series", path.ID))
		return newServiceError(opUpdateSeries, reasonEncodeFailed, err)
	}
	fields["updatedAt"] = s.clock().UTC()
	if err := s.store.UpdateDoc(ctx, owner.UserID, path, fields); err != nil {
		return s.storeFailure(opUpdateSeries, err, zap.String("series", path.ID))
	}
	return nil
}

// DeleteSeries removes a series together with its chapters and progress.
func (s *Service) DeleteSeries(ctx context.Context, owner Owner, rawSlug string) error {
	if err := s.requireOwner(opDeleteSeries, owner); err != nil {
		return err
	}
	slug, err := NewSeriesSlug(rawSlug)
	if err != nil {
		return s.invalidInput(opDeleteSeries, err)
	}

	chapters, err := s.store.GetDocs(ctx, owner.UserID, docstore.ChaptersCollection(slug.String()), "")
	if err != nil {
		return s.storeFailure(opDeleteSeries, err, zap.String("series", slug.String()))
	}
	progress, err := s.store.GetDocs(ctx, owner.UserID, docstore.ProgressCollection(slug.String()), "")
	if err != nil {
		return s.storeFailure(opDeleteSeries, err, zap.String("series", slug.String()))
	}

	seriesDoc, err := docstore.NewPath(docstore.SeriesCollection(), slug.String())
	if err != nil {
		return s.invalidInput(opDeleteSeries, err)
	}
	paths := make([]docstore.Path, 0, len(chapters)+len(progress)+1)
	for _, document := range chapters {
		paths = append(paths, document.Path)
	}
	for _, document := range progress {
		paths = append(paths, document.Path)
	}
	paths = append(paths, seriesDoc)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		group.Go(func() error {
			return s.store.DeleteDoc(groupCtx, owner.UserID, path)
		})
	}
	if err := group.Wait(); err != nil {
		return s.storeFailure(opDeleteSeries, err, zap.String("series", slug.String()))
	}
	return nil
}

// SaveChapter overwrites a chapter document.
func (s *Service) SaveChapter(ctx context.Context, owner Owner, chapter Chapter) error {
	if err := s.requireOwner(opSaveChapter, owner); err != nil {
		return err
	}
	slug, err := NewSeriesSlug(chapter.SeriesSlug)
	if err != nil {
		return s.invalidInput(opSaveChapter, err)
	}
	chapterID, err := NewChapterID(chapter.ID)
	if err != nil {
		return s.invalidInput(opSaveChapter, err)
	}
	if len(chapter.Pages) == 0 {
		return s.invalidInput(opSaveChapter, ErrInvalidChapter)
	}
	chapter.SeriesSlug = slug.String()
	chapter.ID = chapterID.String()
	chapter.PageCount = len(chapter.Pages)
	chapter.UpdatedAt = s.clock().UTC()
	chapter.UploadedBy = owner.label()

	fields, err := docstore.FieldsOf(chapter)
	if err != nil {
		s.logError(opSaveChapter, reasonEncodeFailed, err, zap.String("chapter_id", chapter.ID))
		return newServiceError(opSaveChapter, reasonEncodeFailed, err)
	}
	path, err := docstore.NewPath(docstore.ChaptersCollection(chapter.SeriesSlug), chapter.ID)
	if err != nil {
		return s.invalidInput(opSaveChapter, err)
	}
	if err := s.store.SetDoc(ctx, owner.UserID, path, fields, false); err != nil {
		return s.storeFailure(opSaveChapter, err,
			zap.String("series", chapter.SeriesSlug),
			zap.String("chapter_id", chapter.ID))
	}
	return nil
}

// LoadChapters returns the chapters of a series ordered by chapter number.
func (s *Service) LoadChapters(ctx context.Context, owner Owner, rawSlug string) ([]Chapter, error) {
	if err := s.requireOwner(opLoadChapters, owner); err != nil {
		return nil, err
	}
	slug, err := NewSeriesSlug(rawSlug)
	if err != nil {
		return nil, s.invalidInput(opLoadChapters, err)
	}
	documents, err := s.store.GetDocs(ctx, owner.UserID, docstore.ChaptersCollection(slug.String()), orderByChapterNumber)
	if err != nil {
		return nil, s.storeFailure(opLoadChapters, err, zap.String("series", slug.String()))
	}
	chapters := make([]Chapter, 0, len(documents))
	for _, document := range documents {
		var chapter Chapter
		if err := document.Decode(&chapter); err != nil {
			s.logError(opLoadChapters, reasonDecodeFailed, err,
				zap.String("series", slug.String()),
				zap.String("chapter_id", document.Path.ID))
			continue
		}
		chapter.ID = document.Path.ID
		chapter.SeriesSlug = slug.String()
		if chapter.PageCount == 0 {
			chapter.PageCount = len(chapter.Pages)
		}
		chapters = append(chapters, chapter)
	}
	return chapters, nil
}

// SaveProgress persists a progress update unless a newer write for the same
// chapter has already been stored. The returned progress is the stored record.
func (s *Service) SaveProgress(ctx context.Context, owner Owner, update ProgressUpdate) (Progress, bool, error) {
	if err := s.requireOwner(opSaveProgress, owner); err != nil {
		return Progress{}, false, err
	}
	slug, err := NewSeriesSlug(update.SeriesSlug)
	if err != nil {
		return Progress{}, false, s.invalidInput(opSaveProgress, err)
	}
	chapterID, err := NewChapterID(update.ChapterID)
	if err != nil {
		return Progress{}, false, s.invalidInput(opSaveProgress, err)
	}
	update.SeriesSlug = slug.String()
	update.ChapterID = chapterID.String()
	if update.WriteSeq == 0 {
		update.WriteSeq = s.NextWriteSeq()
	}

	path, err := docstore.NewPath(docstore.ProgressCollection(update.SeriesSlug), update.ChapterID)
	if err != nil {
		return Progress{}, false, s.invalidInput(opSaveProgress, err)
	}
	release := s.locks.Lock(owner.UserID + "/" + path.String())
	defer release()

	var existing *Progress
	document, err := s.store.GetDoc(ctx, owner.UserID, path)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return Progress{}, false, s.storeFailure(opSaveProgress, err, progressFields(update)...)
	default:
		var stored Progress
		if decodeErr := document.Decode(&stored); decodeErr != nil {
			s.logError(opSaveProgress, reasonDecodeFailed, decodeErr, progressFields(update)...)
		} else {
			existing = &stored
		}
	}

	outcome := resolveProgress(existing, update, s.clock().UTC())
	if !outcome.Accepted {
		s.logger.Debug("stale progress write ignored",
			zap.String("series", update.SeriesSlug),
			zap.String("chapter_id", update.ChapterID),
			zap.Int64("write_seq", update.WriteSeq),
			zap.Int64("stored_seq", outcome.Progress.WriteSeq))
		return outcome.Progress, false, nil
	}

	fields, err := docstore.FieldsOf(outcome.Progress)
	if err != nil {
		s.logError(opSaveProgress, reasonEncodeFailed, err, progressFields(update)...)
		return Progress{}, false, newServiceError(opSaveProgress, reasonEncodeFailed, err)
	}
	if err := s.store.SetDoc(ctx, owner.UserID, path, fields, true); err != nil {
		return Progress{}, false, s.storeFailure(opSaveProgress, err, progressFields(update)...)
	}
	return outcome.Progress, true, nil
}

// LoadProgress returns the progress records of a series keyed by chapter id.
func (s *Service) LoadProgress(ctx context.Context, owner Owner, rawSlug string) (map[string]Progress, error) {
	if err := s.requireOwner(opLoadProgress, owner); err != nil {
		return nil, err
	}
	slug, err := NewSeriesSlug(rawSlug)
	if err != nil {
		return nil, s.invalidInput(opLoadProgress, err)
	}
	documents, err := s.store.GetDocs(ctx, owner.UserID, docstore.ProgressCollection(slug.String()), "")
	if err != nil {
		return nil, s.storeFailure(opLoadProgress, err, zap.String("series", slug.String()))
	}
	progress := make(map[string]Progress, len(documents))
	for _, document := range documents {
		var record Progress
		if err := document.Decode(&record); err != nil {
			s.logError(opLoadProgress, reasonDecodeFailed, err,
				zap.String("series", slug.String()),
				zap.String("chapter_id", document.Path.ID))
			continue
		}
		if record.ChapterID == "" {
			record.ChapterID = document.Path.ID
		}
		progress[record.ChapterID] = record
	}
	return progress, nil
}

// GetChapterProgress returns the stored progress of one chapter, or an unread
// record at page zero when none exists or the lookup fails.
func (s *Service) GetChapterProgress(ctx context.Context, owner Owner, rawSlug, rawChapterID string) Progress {
	fallback := Progress{ChapterID: rawChapterID, SeriesSlug: rawSlug}
	if err := s.requireOwner(opLoadProgress, owner); err != nil {
		return fallback
	}
	path, err := docstore.NewPath(docstore.ProgressCollection(rawSlug), rawChapterID)
	if err != nil {
		return fallback
	}
	document, err := s.store.GetDoc(ctx, owner.UserID, path)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.logError(opLoadProgress, reasonStoreFailed, err, zap.String("chapter_id", rawChapterID))
		}
		return fallback
	}
	var record Progress
	if err := document.Decode(&record); err != nil {
		s.logError(opLoadProgress, reasonDecodeFailed, err, zap.String("chapter_id", rawChapterID))
		return fallback
	}
	return record
}

// MarkChapterAsRead stores the chapter as read at its final page.
func (s *Service) MarkChapterAsRead(ctx context.Context, owner Owner, chapter Chapter) (Progress, error) {
	pageCount := chapter.PageCount
	if pageCount == 0 {
		pageCount = len(chapter.Pages)
	}
	if pageCount < 1 {
		pageCount = 1
	}
	progress, _, err := s.SaveProgress(ctx, owner, ProgressUpdate{
		SeriesSlug:    chapter.SeriesSlug,
		ChapterID:     chapter.ID,
		IsRead:        true,
		LastPage:      pageCount - 1,
		ChapterNumber: chapter.ChapterNumber,
		Title:         chapter.Title,
		PageCount:     pageCount,
	})
	return progress, err
}

// MarkChapterAsUnread resets the chapter to unread at page zero.
func (s *Service) MarkChapterAsUnread(ctx context.Context, owner Owner, rawSlug, rawChapterID string) (Progress, error) {
	progress, _, err := s.SaveProgress(ctx, owner, ProgressUpdate{
		SeriesSlug: rawSlug,
		ChapterID:  rawChapterID,
		IsRead:     false,
		LastPage:   0,
	})
	return progress, err
}

// BatchUpdateProgress writes several progress updates of one series concurrently.
func (s *Service) BatchUpdateProgress(ctx context.Context, owner Owner, rawSlug string, updates []ProgressUpdate) error {
	if err := s.requireOwner(opBatchUpdateProgress, owner); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, update := range updates {
		update := update
		update.SeriesSlug = rawSlug
		group.Go(func() error {
			_, _, err := s.SaveProgress(groupCtx, owner, update)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		s.logError(opBatchUpdateProgress, reasonPartialFailed, err, zap.String("series", rawSlug))
		return newServiceError(opBatchUpdateProgress, reasonPartialFailed, err)
	}
	return nil
}

// SyncProgress writes locally held progress keyed by series slug and chapter id.
func (s *Service) SyncProgress(ctx context.Context, owner Owner, local map[string]map[string]ProgressUpdate) error {
	if err := s.requireOwner(opBatchUpdateProgress, owner); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for slug, chapters := range local {
		for chapterID, update := range chapters {
			update := update
			update.SeriesSlug = slug
			update.ChapterID = chapterID
			group.Go(func() error {
				_, _, err := s.SaveProgress(groupCtx, owner, update)
				return err
			})
		}
	}
	if err := group.Wait(); err != nil {
		s.logError(opBatchUpdateProgress, reasonPartialFailed, err)
		return newServiceError(opBatchUpdateProgress, reasonPartialFailed, err)
	}
	return nil
}

// ReadingStats counts chapters and read chapters across every series.
func (s *Service) ReadingStats(ctx context.Context, owner Owner) (Stats, error) {
	if err := s.requireOwner(opReadingStats, owner); err != nil {
		return Stats{}, err
	}
	series, err := s.LoadSeries(ctx, owner)
	if err != nil {
		return Stats{}, err
	}

	var mu sync.Mutex
	breakdown := make(map[string]SeriesStats, len(series))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(statsConcurrency)
	for slug, metadata := range series {
		slug, title := slug, metadata.Title
		group.Go(func() error {
			chapters, err := s.store.GetDocs(groupCtx, owner.UserID, docstore.ChaptersCollection(slug), "")
			if err != nil {
				return err
			}
			progress, err := s.store.GetDocs(groupCtx, owner.UserID, docstore.ProgressCollection(slug), "")
			if err != nil {
				return err
			}
			readCount := 0
			for _, document := range progress {
				if isRead, ok := document.Fields["isRead"].(bool); ok && isRead {
					readCount++
				}
			}
			mu.Lock()
			breakdown[slug] = SeriesStats{
				Title:         title,
				TotalChapters: len(chapters),
				ReadChapters:  readCount,
				Progress:      percentage(readCount, len(chapters)),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Stats{}, s.storeFailure(opReadingStats, err)
	}

	stats := Stats{TotalSeries: len(series), SeriesBreakdown: breakdown}
	for _, entry := range breakdown {
		stats.TotalChapters += entry.TotalChapters
		stats.ReadChapters += entry.ReadChapters
	}
	stats.ReadingProgress = percentage(stats.ReadChapters, stats.TotalChapters)
	return stats, nil
}

func percentage(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}

func seriesPath(rawSlug string) (docstore.Path, error) {
	slug, err := NewSeriesSlug(rawSlug)
	if err != nil {
		return docstore.Path{}, err
	}
	return docstore.NewPath(docstore.SeriesCollection(), slug.String())
}

func progressFields(update ProgressUpdate) []zap.Field {
	return []zap.Field{
		zap.String("series", update.SeriesSlug),
		zap.String("chapter_id", update.ChapterID),
		zap.Int64("write_seq", update.WriteSeq),
	}
}

func (s *Service) requireOwner(operation string, owner Owner) error {
	if owner.UserID == "" {
		s.logError(operation, reasonNotSignedIn, docstore.ErrNotAuthenticated)
		return newServiceError(operation, reasonNotSignedIn, docstore.ErrNotAuthenticated)
	}
	return nil
}

func (s *Service) invalidInput(operation string, err error) error {
	s.logError(operation, reasonInvalidInput, err)
	return newServiceError(operation, reasonInvalidInput, err)
}

func (s *Service) storeFailure(operation string, err error, fields ...zap.Field) error {
	reason := reasonStoreFailed
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		reason = reasonNotFound
	case errors.Is(err, docstore.ErrNotAuthenticated):
		reason = reasonNotSignedIn
	case errors.Is(err, docstore.ErrInvalidPath), errors.Is(err, docstore.ErrInvalidField):
		reason = reasonInvalidInput
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("comics service error", attrs...)
}
