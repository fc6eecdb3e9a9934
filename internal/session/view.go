package session

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition reports an event that the current view cannot handle.
var ErrIllegalTransition = errors.New("session: illegal view transition")

// Kind names the screen the user is on.
type Kind string

const (
	KindLibrary Kind = "library"
	KindSeries  Kind = "series"
	KindReader  Kind = "reader"
)

// View is the current screen. SeriesSlug is set for series and reader views;
// ChapterID and Page only for the reader.
type View struct {
	Kind       Kind   `json:"kind"`
	SeriesSlug string `json:"seriesSlug,omitempty"`
	ChapterID  string `json:"chapterId,omitempty"`
	Page       int    `json:"page"`
}

// LibraryView is the starting screen.
func LibraryView() View {
	return View{Kind: KindLibrary}
}

// SeriesView lists the chapters of slug.
func SeriesView(slug string) View {
	return View{Kind: KindSeries, SeriesSlug: slug}
}

// ReaderView shows page of chapterID.
func ReaderView(slug, chapterID string, page int) View {
	return View{Kind: KindReader, SeriesSlug: slug, ChapterID: chapterID, Page: page}
}

// EventKind names a view event.
type EventKind string

const (
	EventOpenSeries    EventKind = "open_series"
	EventOpenChapter   EventKind = "open_chapter"
	EventPageChanged   EventKind = "page_changed"
	EventBackToSeries  EventKind = "back_to_series"
	EventBackToLibrary EventKind = "back_to_library"
	EventSignOut       EventKind = "sign_out"
	EventSeriesDeleted EventKind = "series_deleted"
)

// Event drives Transition.
type Event struct {
	Kind       EventKind
	SeriesSlug string
	ChapterID  string
	Page       int
}

// Transition returns the view reached from current on event.
func Transition(current View, event Event) (View, error) {
	switch event.Kind {
	case EventSignOut:
		return LibraryView(), nil
	case EventSeriesDeleted:
		if current.Kind != KindLibrary && current.SeriesSlug != event.SeriesSlug {
			return current, nil
		}
		return LibraryView(), nil
	case EventOpenSeries:
		if current.Kind == KindLibrary && event.SeriesSlug != "" {
			return SeriesView(event.SeriesSlug), nil
		}
	case EventOpenChapter:
		if (current.Kind == KindSeries || current.Kind == KindReader) &&
			event.ChapterID != "" && event.SeriesSlug == current.SeriesSlug {
			return ReaderView(current.SeriesSlug, event.ChapterID, event.Page), nil
		}
	case EventPageChanged:
		if current.Kind == KindReader && event.ChapterID != "" &&
			(event.SeriesSlug == "" || event.SeriesSlug == current.SeriesSlug) {
			return ReaderView(current.SeriesSlug, event.ChapterID, event.Page), nil
		}
	case EventBackToSeries:
		if current.Kind == KindReader {
			return SeriesView(current.SeriesSlug), nil
		}
	case EventBackToLibrary:
		if current.Kind == KindSeries {
			return LibraryView(), nil
		}
	}
	return current, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, event.Kind, current.Kind)
}
