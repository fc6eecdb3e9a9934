package comics

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSeriesSlug indicates that a series slug is empty or exceeds storage bounds.
	ErrInvalidSeriesSlug = errors.New("comics: invalid series slug")
	// ErrInvalidChapterID indicates that a chapter identifier is empty or exceeds storage bounds.
	ErrInvalidChapterID = errors.New("comics: invalid chapter id")
	// ErrInvalidChapter indicates a chapter without pages.
	ErrInvalidChapter = errors.New("comics: invalid chapter")
)

// SeriesSlug is a validated, URL-safe series key.
type SeriesSlug string

// NewSeriesSlug validates raw input and returns a SeriesSlug.
func NewSeriesSlug(rawInput string) (SeriesSlug, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSeriesSlug)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSeriesSlug, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains a path separator", ErrInvalidSeriesSlug)
	}
	return SeriesSlug(trimmed), nil
}

// String returns the underlying slug.
func (slug SeriesSlug) String() string {
	return string(slug)
}

// ChapterID is a validated chapter identifier, unique within a series.
type ChapterID string

// NewChapterID validates raw input and returns a ChapterID.
func NewChapterID(rawInput string) (ChapterID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChapterID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChapterID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains a path separator", ErrInvalidChapterID)
	}
	return ChapterID(trimmed), nil
}

// String returns the underlying identifier.
func (id ChapterID) String() string {
	return string(id)
}

// Owner identifies the signed-in user a write is performed for.
type Owner struct {
	UserID string
	Email  string
}

func (owner Owner) label() string {
	if strings.TrimSpace(owner.Email) == "" {
		return "unknown"
	}
	return owner.Email
}

// Series is the metadata document stored under users/{uid}/series/{slug}.
type Series struct {
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	CoverImage    string     `json:"coverImage"`
	TotalChapters int        `json:"totalChapters"`
	AddedAt       time.Time  `json:"addedAt"`
	LastReadAt    *time.Time `json:"lastReadAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CreatedBy     string     `json:"createdBy,omitempty"`
}

// SeriesUpdate carries a partial metadata update; nil fields are left untouched.
type SeriesUpdate struct {
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	CoverImage    *string    `json:"coverImage,omitempty"`
	TotalChapters *int       `json:"totalChapters,omitempty"`
	LastReadAt    *time.Time `json:"lastReadAt,omitempty"`
}

// Page is a single image of a chapter.
type Page struct {
	ImageURL string `json:"imageUrl"`
}

// Chapter is the document stored under users/{uid}/series/{slug}/chapters/{id}.
type Chapter struct {
	ID            string    `json:"id"`
	SeriesSlug    string    `json:"seriesSlug"`
	ChapterNumber float64   `json:"chapterNumber"`
	Title         string    `json:"title"`
	CoverImage    string    `json:"coverImage"`
	PageCount     int       `json:"pageCount"`
	Pages         []Page    `json:"pages"`
	UpdatedAt     time.Time `json:"updatedAt"`
	UploadedBy    string    `json:"uploadedBy,omitempty"`
}

// LastPageIndex returns the index of the final page, never negative.
func (chapter Chapter) LastPageIndex() int {
	if chapter.PageCount <= 1 {
		return 0
	}
	return chapter.PageCount - 1
}

// ClampPage bounds a page index to the chapter's pages.
func (chapter Chapter) ClampPage(page int) int {
	if page < 0 {
		return 0
	}
	if last := chapter.LastPageIndex(); page > last {
		return last
	}
	return page
}

// Progress is the document stored under users/{uid}/progress/{slug}/chapters/{id}.
type Progress struct {
	ChapterID     string     `json:"chapterId"`
	SeriesSlug    string     `json:"seriesSlug"`
	IsRead        bool       `json:"isRead"`
	LastPage      int        `json:"lastPage"`
	ChapterNumber float64    `json:"chapterNumber"`
	Title         string     `json:"title"`
	ReadAt        *time.Time `json:"readAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	WriteSeq      int64      `json:"writeSeq"`
}

// ProgressUpdate describes a progress write issued by the reader or by an explicit mark action.
type ProgressUpdate struct {
	SeriesSlug    string
	ChapterID     string
	IsRead        bool
	LastPage      int
	ChapterNumber float64
	Title         string
	// PageCount bounds LastPage when known; zero skips the upper clamp.
	PageCount int
	// WriteSeq orders writes for the same chapter; zero lets the service assign one.
	WriteSeq int64
}

// SeriesStats summarises read progress for one series.
type SeriesStats struct {
	Title         string `json:"title"`
	TotalChapters int    `json:"totalChapters"`
	ReadChapters  int    `json:"readChapters"`
	Progress      int    `json:"progress"`
}

// Stats summarises read progress across the whole library.
type Stats struct {
	TotalSeries     int                    `json:"totalSeries"`
	TotalChapters   int                    `json:"totalChapters"`
	ReadChapters    int                    `json:"readChapters"`
	ReadingProgress int                    `json:"readingProgress"`
	SeriesBreakdown map[string]SeriesStats `json:"seriesBreakdown"`
}
