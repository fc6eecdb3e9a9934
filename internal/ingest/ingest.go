// Package ingest turns uploaded chapter JSON files into chapter and series documents.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// FailureMessage is shown when at least one file of a batch could not be parsed.
	FailureMessage = "Error processing files. Please check the JSON format."

	descriptionPrefix = "Comic series: "
)

var (
	errMissingGateway = errors.New("ingest: chapter gateway is required")
	errNotConforming  = errors.New("ingest: record needs an id and at least one page")
)

// Gateway persists ingested chapters and series.
type Gateway interface {
	SaveChapter(ctx context.Context, owner comics.Owner, chapter comics.Chapter) error
	SaveSeries(ctx context.Context, owner comics.Owner, series comics.Series) error
}

// IDProvider issues batch identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// File is one uploaded chapter file.
type File struct {
	Name string
	Data []byte
}

// Report summarises a processed batch.
type Report struct {
	BatchID        string
	FilesProcessed int
	FilesAccepted  int
	Skipped        []string
	Failed         []string
	SeriesTouched  []string
}

// Message renders the user-facing status line for the batch.
func (r Report) Message() string {
	if r.FilesProcessed == 0 {
		return ""
	}
	if len(r.Failed) > 0 {
		return FailureMessage
	}
	return fmt.Sprintf("Successfully processed %d files across %d series!", r.FilesProcessed, len(r.SeriesTouched))
}

// Config describes the dependencies of an Ingestor.
type Config struct {
	Gateway    Gateway
	Rules      []SeriesRule
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Ingestor parses chapter files and writes them through the gateway.
type Ingestor struct {
	gateway    Gateway
	rules      []SeriesRule
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// New validates cfg and constructs an Ingestor. A nil rule list selects DefaultRules.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		gateway:    cfg.Gateway,
		rules:      rules,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Ingest processes a batch. Chapters are written as they are parsed; each series
// seen in the batch is written once after all chapters. Unparseable files are
// recorded in Report.Failed and the batch continues. A gateway failure aborts the
// batch and is returned together with the partial report.
func (i *Ingestor) Ingest(ctx context.Context, owner comics.Owner, files []File) (Report, error) {
	if len(files) == 0 {
		return Report{}, nil
	}

	batchID, err := i.idProvider.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("ingest: batch id: %w", err)
	}
	report := Report{BatchID: batchID, FilesProcessed: len(files)}
	logger := i.logger.With(zap.String("batch_id", batchID), zap.String("user_id", owner.UserID))

	pending := make(map[string]comics.Series)
	order := make([]string, 0)
	for _, file := range files {
		chapter, err := parseChapter(file.Data)
		if errors.Is(err, errNotConforming) {
			logger.Debug("skipping non-conforming chapter file", zap.String("file", file.Name))
			report.Skipped = append(report.Skipped, file.Name)
			continue
		}
		if err != nil {
			logger.Warn("chapter file parse failed", zap.String("file", file.Name), zap.Error(err))
			report.Failed = append(report.Failed, file.Name)
			continue
		}

		slug, title := InferSeries(i.rules, file.Name, chapter.Title)
		chapter.SeriesSlug = slug
		if err := i.gateway.SaveChapter(ctx, owner, chapter); err != nil {
			if rejectedChapter(err) {
				logger.Debug("skipping chapter rejected by the library",
					zap.String("file", file.Name),
					zap.String("series", slug),
					zap.Error(err))
				report.Skipped = append(report.Skipped, file.Name)
				continue
			}
			logger.Error("chapter write failed",
				zap.String("file", file.Name),
				zap.String("series", slug),
				zap.String("chapter_id", chapter.ID),
				zap.Error(err))
			return report, err
		}
		report.FilesAccepted++

		if _, seen := pending[slug]; !seen {
			pending[slug] = comics.Series{
				Slug:        slug,
				Title:       title,
				Description: descriptionPrefix + title,
				CoverImage:  defaultCover(chapter),
				AddedAt:     i.clock().UTC(),
			}
			order = append(order, slug)
		}
	}

	for _, slug := range order {
		if err := i.gateway.SaveSeries(ctx, owner, pending[slug]); err != nil {
			logger.Error("series write failed", zap.String("series", slug), zap.Error(err))
			return report, err
		}
		report.SeriesTouched = append(report.SeriesTouched, slug)
	}

	logger.Info("ingest batch completed",
		zap.Int("files_processed", report.FilesProcessed),
		zap.Int("files_accepted", report.FilesAccepted),
		zap.Int("files_failed", len(report.Failed)),
		zap.Strings("series", report.SeriesTouched))
	return report, nil
}

type chapterRecord struct {
	ID            json.RawMessage `json:"id"`
	Title         string          `json:"title"`
	ChapterNumber flexibleNumber  `json:"chapterNumber"`
	CoverImage    string          `json:"coverImage"`
	PageCount     flexibleNumber  `json:"pageCount"`
	Pages         []comics.Page   `json:"pages"`
}

func parseChapter(data []byte) (comics.Chapter, error) {
	var record chapterRecord
	if err := json.Unmarshal(data, &record); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return comics.Chapter{}, errNotConforming
		}
		return comics.Chapter{}, err
	}
	id, ok := normalizeID(record.ID)
	if !ok || len(record.Pages) == 0 {
		return comics.Chapter{}, errNotConforming
	}
	if _, err := comics.NewChapterID(id); err != nil {
		return comics.Chapter{}, errNotConforming
	}
	return comics.Chapter{
		ID:            id,
		ChapterNumber: float64(record.ChapterNumber),
		Title:         record.Title,
		CoverImage:    record.CoverImage,
		PageCount:     len(record.Pages),
		Pages:         record.Pages,
	}, nil
}

// normalizeID accepts a string or number id and rejects empty, zero, and other values.
func normalizeID(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		number, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil || number == 0 {
			return "", false
		}
		return strconv.FormatFloat(number, 'f', -1, 64), true
	default:
		return "", false
	}
}

// rejectedChapter reports whether a chapter write failed on the chapter's own
// identifiers or content rather than on the store.
func rejectedChapter(err error) bool {
	return errors.Is(err, comics.ErrInvalidChapterID) ||
		errors.Is(err, comics.ErrInvalidSeriesSlug) ||
		errors.Is(err, comics.ErrInvalidChapter)
}

func defaultCover(chapter comics.Chapter) string {
	if chapter.CoverImage != "" {
		return chapter.CoverImage
	}
	if len(chapter.Pages) > 0 {
		return chapter.Pages[0].ImageURL
	}
	return ""
}

// flexibleNumber decodes a JSON number or numeric string; anything else is zero.
type flexibleNumber float64

func (n *flexibleNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(strings.TrimSpace(string(data)), `"`)
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexibleNumber(value)
	return nil
}
