// Package reader implements the paginated reader: page and dual-page
// navigation, chapter boundary crossing, tap zones, key bindings, and progress
// write-back.
//
// A Navigator is not safe for concurrent use; callers serialise access. Local
// state is always updated before the corresponding progress write is issued,
// and write failures never roll local state back.
package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"go.uber.org/zap"
)

const (
	tapBandLow  = 0.25
	tapBandHigh = 0.75
)

var (
	// ErrUnknownChapter indicates a chapter id that is not part of the open series.
	ErrUnknownChapter = errors.New("reader: chapter not in series")
	// ErrNoChapter indicates an operation that needs an open chapter.
	ErrNoChapter = errors.New("reader: no chapter open")
)

// Sequencer issues strictly increasing progress write sequences.
type Sequencer interface {
	NextWriteSeq() int64
}

type clockSequencer struct {
	mu   sync.Mutex
	last int64
}

func (c *clockSequencer) NextWriteSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := time.Now().UnixMicro()
	if candidate <= c.last {
		candidate = c.last + 1
	}
	c.last = candidate
	return candidate
}

// Config describes a Navigator over one series.
type Config struct {
	SeriesSlug   string
	Chapters     []chapterview.View
	Writer       ProgressWriter
	Sequencer    Sequencer
	Viewport     Viewport
	DualPageMode DualPageMode
	ImageScale   ImageScale
	Logger       *zap.Logger
}

// Navigator holds reader state for one open series.
type Navigator struct {
	seriesSlug    string
	chapters      []chapterview.View
	current       int
	page          int
	dualPageMode  DualPageMode
	imageScale    ImageScale
	headerVisible bool
	viewport      Viewport
	writer        ProgressWriter
	sequencer     Sequencer
	logger        *zap.Logger
}

// NewNavigator constructs a Navigator with no chapter open.
func NewNavigator(cfg Config) *Navigator {
	writer := cfg.Writer
	if writer == nil {
		writer = discardWriter{}
	}
	sequencer := cfg.Sequencer
	if sequencer == nil {
		sequencer = &clockSequencer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dualPageMode := cfg.DualPageMode
	if dualPageMode == "" {
		dualPageMode = ModeAuto
	}
	imageScale := cfg.ImageScale
	if imageScale == "" {
		imageScale = ScaleFit
	}
	chapters := make([]chapterview.View, len(cfg.Chapters))
	copy(chapters, cfg.Chapters)
	return &Navigator{
		seriesSlug:    cfg.SeriesSlug,
		chapters:      chapters,
		current:       -1,
		dualPageMode:  dualPageMode,
		imageScale:    imageScale,
		headerVisible: true,
		viewport:      cfg.Viewport,
		writer:        writer,
		sequencer:     sequencer,
		logger:        logger,
	}
}

// OpenChapter makes chapterID current at its stored resume page. An unread
// chapter is marked read at that page immediately.
func (n *Navigator) OpenChapter(ctx context.Context, chapterID string) error {
	index := chapterview.IndexOf(n.chapters, chapterID)
	if index < 0 {
		return ErrUnknownChapter
	}
	n.openAt(ctx, index)
	return nil
}

func (n *Navigator) openAt(ctx context.Context, index int) {
	view := n.chapters[index]
	n.current = index
	n.page = clampPage(view.LastPage, pageCount(view))
	if !view.IsRead {
		n.persist(ctx, index, true, n.page)
	}
}

// ShouldShowDualPages reports whether two pages are currently displayed.
func (n *Navigator) ShouldShowDualPages() bool {
	switch n.dualPageMode {
	case ModeSingle:
		return false
	case ModeDual:
		return true
	}
	if n.current < 0 {
		return false
	}
	return n.viewport.Landscape() && n.page < pageCount(n.chapters[n.current])-1
}

// StepSize is 2 while dual pages are shown, else 1.
func (n *Navigator) StepSize() int {
	if n.ShouldShowDualPages() {
		return 2
	}
	return 1
}

// NextPage advances by one step. At the end of a chapter the chapter is marked
// fully read and the next chapter opens at its resume page; at the end of the
// series nothing happens.
func (n *Navigator) NextPage(ctx context.Context) Move {
	if n.current < 0 {
		return MoveNone
	}
	step := n.StepSize()
	view := n.chapters[n.current]
	count := pageCount(view)

	if n.page+step <= count-1 {
		n.page += step
		n.persist(ctx, n.current, true, n.page)
		return MovePage
	}
	if n.current+1 >= len(n.chapters) {
		return MoveNone
	}
	n.persist(ctx, n.current, true, count-1)
	n.openAt(ctx, n.current+1)
	return MoveChapter
}

// PrevPage steps back by one step. From the start of a chapter it lands on the
// last displayable page of the previous chapter.
func (n *Navigator) PrevPage(ctx context.Context) Move {
	if n.current < 0 {
		return MoveNone
	}
	isDual := n.ShouldShowDualPages()
	step := 1
	if isDual {
		step = 2
	}

	if n.page-step >= 0 {
		n.page -= step
		n.persist(ctx, n.current, true, n.page)
		return MovePage
	}
	if n.current == 0 {
		return MoveNone
	}

	previous := n.current - 1
	count := pageCount(n.chapters[previous])
	landing := count - 1
	if isDual && count > 1 {
		landing = count - 2
	}
	if landing < 0 {
		landing = 0
	}
	n.current = previous
	n.page = landing
	n.persist(ctx, previous, true, landing)
	return MoveChapter
}

// CurrentPages returns the page images to display.
func (n *Navigator) CurrentPages() []comics.Page {
	if n.current < 0 {
		return nil
	}
	view := n.chapters[n.current]
	if n.page >= len(view.Pages) {
		return nil
	}
	pages := []comics.Page{view.Pages[n.page]}
	if n.ShouldShowDualPages() && n.page+1 < pageCount(view) && n.page+1 < len(view.Pages) {
		pages = append(pages, view.Pages[n.page+1])
	}
	return pages
}

// HandleTap dispatches a click at (x, y) on a width×height surface. The centre
// cell toggles the header, the left band goes back, the right band goes forward.
func (n *Navigator) HandleTap(ctx context.Context, x, y, width, height float64) Action {
	if width <= 0 || height <= 0 {
		return ActionNone
	}
	left, right := width*tapBandLow, width*tapBandHigh
	top, bottom := height*tapBandLow, height*tapBandHigh

	switch {
	case x >= left && x <= right && y >= top && y <= bottom:
		n.ToggleHeader()
		return ActionToggleHeader
	case x < left:
		n.PrevPage(ctx)
		return ActionPrev
	case x > right:
		n.NextPage(ctx)
		return ActionNext
	default:
		return ActionNone
	}
}

// HandleKey applies a key binding. ActionBack is returned for Escape and left
// to the caller, which owns view transitions.
func (n *Navigator) HandleKey(ctx context.Context, key string) Action {
	switch key {
	case "ArrowLeft", "a":
		n.PrevPage(ctx)
		return ActionPrev
	case "ArrowRight", "d":
		n.NextPage(ctx)
		return ActionNext
	case "Escape":
		return ActionBack
	case " ", "h":
		n.ToggleHeader()
		return ActionToggleHeader
	case "s":
		n.CycleImageScale()
		return ActionCycleScale
	case "p":
		n.CycleDualPageMode()
		return ActionCycleMode
	default:
		return ActionNone
	}
}

// ToggleHeader flips reader chrome visibility.
func (n *Navigator) ToggleHeader() {
	n.headerVisible = !n.headerVisible
}

// CycleImageScale advances the image scale mode.
func (n *Navigator) CycleImageScale() {
	n.imageScale = n.imageScale.Next()
}

// CycleDualPageMode advances the dual-page mode.
func (n *Navigator) CycleDualPageMode() {
	n.dualPageMode = n.dualPageMode.Next()
}

// SetViewport records a resize; dual-page detection follows on the next query.
func (n *Navigator) SetViewport(viewport Viewport) {
	n.viewport = viewport
}

// ImageClasses returns the presentation hint for the current scale and layout.
func (n *Navigator) ImageClasses() string {
	isDual := n.ShouldShowDualPages()
	switch n.imageScale {
	case ScaleWidth:
		if isDual {
			return "w-1/2 h-auto"
		}
		return "w-full h-auto"
	case ScaleHeight:
		return "w-auto h-full"
	default:
		if isDual {
			return "max-w-1/2 max-h-full object-contain"
		}
		return "max-w-full max-h-full object-contain"
	}
}

// Apply records progress written outside the navigator in the local chapter
// list. No write is issued.
func (n *Navigator) Apply(chapterID string, isRead bool, lastPage int) {
	n.chapters = chapterview.Patch(n.chapters, chapterID, isRead, lastPage)
}

// Chapters returns the locally patched chapter views.
func (n *Navigator) Chapters() []chapterview.View {
	chapters := make([]chapterview.View, len(n.chapters))
	copy(chapters, n.chapters)
	return chapters
}

// CurrentChapter returns the open chapter.
func (n *Navigator) CurrentChapter() (chapterview.View, bool) {
	if n.current < 0 {
		return chapterview.View{}, false
	}
	return n.chapters[n.current], true
}

// Page returns the current page index.
func (n *Navigator) Page() int {
	return n.page
}

// State is a snapshot of the navigator for presentation.
type State struct {
	SeriesSlug    string        `json:"seriesSlug"`
	ChapterID     string        `json:"chapterId,omitempty"`
	ChapterTitle  string        `json:"chapterTitle,omitempty"`
	ChapterNumber float64       `json:"chapterNumber,omitempty"`
	Page          int           `json:"page"`
	PageCount     int           `json:"pageCount"`
	Pages         []comics.Page `json:"pages"`
	DualPages     bool          `json:"dualPages"`
	DualPageMode  DualPageMode  `json:"dualPageMode"`
	ImageScale    ImageScale    `json:"imageScale"`
	ImageClasses  string        `json:"imageClasses"`
	HeaderVisible bool          `json:"headerVisible"`
	Viewport      Viewport      `json:"viewport"`
}

// Snapshot captures the current state.
func (n *Navigator) Snapshot() State {
	state := State{
		SeriesSlug:    n.seriesSlug,
		Page:          n.page,
		Pages:         n.CurrentPages(),
		DualPages:     n.ShouldShowDualPages(),
		DualPageMode:  n.dualPageMode,
		ImageScale:    n.imageScale,
		ImageClasses:  n.ImageClasses(),
		HeaderVisible: n.headerVisible,
		Viewport:      n.viewport,
	}
	if view, ok := n.CurrentChapter(); ok {
		state.ChapterID = view.ID
		state.ChapterTitle = view.Title
		state.ChapterNumber = view.ChapterNumber
		state.PageCount = pageCount(view)
	}
	return state
}

// persist patches the local chapter list, then hands the write to the writer.
func (n *Navigator) persist(ctx context.Context, index int, isRead bool, lastPage int) {
	view := n.chapters[index]
	n.chapters = chapterview.Patch(n.chapters, view.ID, isRead, lastPage)

	update := comics.ProgressUpdate{
		SeriesSlug:    n.seriesSlug,
		ChapterID:     view.ID,
		IsRead:        isRead,
		LastPage:      lastPage,
		ChapterNumber: view.ChapterNumber,
		Title:         view.Title,
		PageCount:     pageCount(view),
		WriteSeq:      n.sequencer.NextWriteSeq(),
	}
	n.logger.Debug("progress write issued",
		zap.String("series", update.SeriesSlug),
		zap.String("chapter_id", update.ChapterID),
		zap.Int("last_page", update.LastPage),
		zap.Int64("write_seq", update.WriteSeq))
	n.writer.WriteProgress(ctx, update)
}

func pageCount(view chapterview.View) int {
	if view.PageCount > 0 {
		return view.PageCount
	}
	return len(view.Pages)
}

func clampPage(page, count int) int {
	if page < 0 || count <= 0 {
		return 0
	}
	if page > count-1 {
		return count - 1
	}
	return page
}
