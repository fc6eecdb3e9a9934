package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegalMoves(t *testing.T) {
	testCases := []struct {
		name    string
		current View
		event   Event
		want    View
	}{
		{"open series", LibraryView(), Event{Kind: EventOpenSeries, SeriesSlug: "naruto"}, SeriesView("naruto")},
		{"open chapter", SeriesView("naruto"), Event{Kind: EventOpenChapter, SeriesSlug: "naruto", ChapterID: "1"}, ReaderView("naruto", "1", 0)},
		{"cross chapter", ReaderView("naruto", "1", 4), Event{Kind: EventOpenChapter, SeriesSlug: "naruto", ChapterID: "2"}, ReaderView("naruto", "2", 0)},
		{"page changed", ReaderView("naruto", "1", 0), Event{Kind: EventPageChanged, ChapterID: "1", Page: 2}, ReaderView("naruto", "1", 2)},
		{"back to series", ReaderView("naruto", "1", 2), Event{Kind: EventBackToSeries}, SeriesView("naruto")},
		{"back to library", SeriesView("naruto"), Event{Kind: EventBackToLibrary}, LibraryView()},
		{"sign out from reader", ReaderView("naruto", "1", 2), Event{Kind: EventSignOut}, LibraryView()},
		{"delete open series", SeriesView("naruto"), Event{Kind: EventSeriesDeleted, SeriesSlug: "naruto"}, LibraryView()},
		{"delete other series", ReaderView("naruto", "1", 2), Event{Kind: EventSeriesDeleted, SeriesSlug: "bleach"}, ReaderView("naruto", "1", 2)},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			next, err := Transition(testCase.current, testCase.event)
			require.NoError(t, err)
			assert.Equal(t, testCase.want, next)
		})
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	testCases := []struct {
		name    string
		current View
		event   Event
	}{
		{"chapter from library", LibraryView(), Event{Kind: EventOpenChapter, SeriesSlug: "naruto", ChapterID: "1"}},
		{"chapter of other series", SeriesView("naruto"), Event{Kind: EventOpenChapter, SeriesSlug: "bleach", ChapterID: "1"}},
		{"series from reader", ReaderView("naruto", "1", 0), Event{Kind: EventOpenSeries, SeriesSlug: "bleach"}},
		{"page outside reader", SeriesView("naruto"), Event{Kind: EventPageChanged, ChapterID: "1"}},
		{"back from library", LibraryView(), Event{Kind: EventBackToLibrary}},
		{"series back from series", SeriesView("naruto"), Event{Kind: EventBackToSeries}},
		{"unknown event", LibraryView(), Event{Kind: "teleport"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			next, err := Transition(testCase.current, testCase.event)
			require.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, testCase.current, next)
		})
	}
}
