package catalog

import (
	"testing"

	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterIsCaseInsensitiveAndSorted(t *testing.T) {
	library := New()
	library.Rebuild(map[string]comics.Series{
		"one-piece":         {Slug: "one-piece", Title: "One Piece"},
		"naruto":            {Slug: "naruto", Title: "Naruto"},
		"dragon-ball-super": {Slug: "dragon-ball-super", Title: "Dragon Ball Super"},
	})

	all := library.Filter("")
	require.Len(t, all, 3)
	assert.Equal(t, []string{"Dragon Ball Super", "Naruto", "One Piece"}, titles(all))

	assert.Equal(t, []string{"Dragon Ball Super", "One Piece"}, titles(library.Filter("E")))
	assert.Empty(t, library.Filter("bleach"))
}

func TestRebuildReplacesContents(t *testing.T) {
	source := map[string]comics.Series{"naruto": {Slug: "naruto", Title: "Naruto"}}
	library := New()
	library.Rebuild(source)
	source["bleach"] = comics.Series{Slug: "bleach", Title: "Bleach"}
	assert.Equal(t, 1, library.Len(), "catalog keeps its own copy")

	library.Rebuild(map[string]comics.Series{"bleach": {Slug: "bleach", Title: "Bleach"}})
	_, ok := library.Get("naruto")
	assert.False(t, ok)
	entry, ok := library.Get("bleach")
	require.True(t, ok)
	assert.Equal(t, "Bleach", entry.Title)
}

func TestFilterChaptersMatchesTitleOrNumber(t *testing.T) {
	views := []chapterview.View{
		{Chapter: comics.Chapter{ID: "1", Title: "Enter Naruto", ChapterNumber: 1}},
		{Chapter: comics.Chapter{ID: "12", Title: "Sasuke", ChapterNumber: 12}},
		{Chapter: comics.Chapter{ID: "12.5", Title: "Extra", ChapterNumber: 12.5}},
	}
	assert.Len(t, FilterChapters(views, ""), 3)
	assert.Len(t, FilterChapters(views, "12"), 2)
	matched := FilterChapters(views, "naruto")
	require.Len(t, matched, 1)
	assert.Equal(t, "1", matched[0].ID)
	assert.Len(t, FilterChapters(views, "2.5"), 1)
}

func titles(series []comics.Series) []string {
	result := make([]string, 0, len(series))
	for _, entry := range series {
		result = append(result, entry.Title)
	}
	return result
}
