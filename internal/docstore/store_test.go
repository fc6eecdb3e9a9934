package docstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(clock)
		},
		"gorm": func(t *testing.T) Store {
			databasePath := filepath.Join(t.TempDir(), "documents.db")
			db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
			require.NoError(t, err)
			require.NoError(t, db.AutoMigrate(&Record{}))
			store, err := NewGormStore(GormStoreConfig{Database: db, Clock: clock})
			require.NoError(t, err)
			return store
		},
	}
}

func mustPath(t *testing.T, collection, id string) Path {
	t.Helper()
	path, err := NewPath(collection, id)
	require.NoError(t, err)
	return path
}

func TestStoreSetDocOverwriteAndMerge(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			path := mustPath(t, SeriesCollection(), "naruto")

			require.NoError(t, store.SetDoc(ctx, "user-1", path, Fields{"title": "Naruto", "description": "ninjas"}, false))
			require.NoError(t, store.SetDoc(ctx, "user-1", path, Fields{"title": "NARUTO"}, true))

			merged, err := store.GetDoc(ctx, "user-1", path)
			require.NoError(t, err)
			assert.Equal(t, "NARUTO", merged.Fields["title"])
			assert.Equal(t, "ninjas", merged.Fields["description"])

			require.NoError(t, store.SetDoc(ctx, "user-1", path, Fields{"title": "Overwritten"}, false))
			overwritten, err := store.GetDoc(ctx, "user-1", path)
			require.NoError(t, err)
			assert.Equal(t, "Overwritten", overwritten.Fields["title"])
			_, hasDescription := overwritten.Fields["description"]
			assert.False(t, hasDescription, "overwrite must drop fields absent from the write")
		})
	}
}

func TestStoreGetDocsOrdersByField(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			collection := ChaptersCollection("naruto")
			for _, number := range []float64{10, 2, 1.5, 100} {
				id := fmt.Sprintf("ch-%v", number)
				require.NoError(t, store.SetDoc(ctx, "user-1", mustPath(t, collection, id), Fields{"chapterNumber": number}, false))
			}
			require.NoError(t, store.SetDoc(ctx, "user-1", mustPath(t, ChaptersCollection("other"), "x"), Fields{"chapterNumber": 0}, false))

			documents, err := store.GetDocs(ctx, "user-1", collection, "chapterNumber")
			require.NoError(t, err)
			ids := make([]string, 0, len(documents))
			for _, document := range documents {
				ids = append(ids, document.Path.ID)
			}
			assert.Equal(t, []string{"ch-1.5", "ch-2", "ch-10", "ch-100"}, ids)
		})
	}
}

func TestStorePartitionsByUser(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			path := mustPath(t, SeriesCollection(), "one-piece")
			require.NoError(t, store.SetDoc(ctx, "user-1", path, Fields{"title": "One Piece"}, false))

			_, err := store.GetDoc(ctx, "user-2", path)
			assert.ErrorIs(t, err, ErrNotFound)

			documents, err := store.GetDocs(ctx, "user-2", SeriesCollection(), "")
			require.NoError(t, err)
			assert.Empty(t, documents)
		})
	}
}

func TestStoreRejectsUnauthenticatedCalls(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			path := mustPath(t, SeriesCollection(), "naruto")

			assert.ErrorIs(t, store.SetDoc(ctx, " ", path, Fields{"title": "x"}, true), ErrNotAuthenticated)
			assert.ErrorIs(t, store.UpdateDoc(ctx, "", path, Fields{"title": "x"}), ErrNotAuthenticated)
			assert.ErrorIs(t, store.DeleteDoc(ctx, "", path), ErrNotAuthenticated)
			_, err := store.GetDocs(ctx, "", SeriesCollection(), "")
			assert.ErrorIs(t, err, ErrNotAuthenticated)
		})
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			path := mustPath(t, SeriesCollection(), "naruto")

			assert.ErrorIs(t, store.UpdateDoc(ctx, "user-1", path, Fields{"title": "x"}), ErrNotFound)

			require.NoError(t, store.SetDoc(ctx, "user-1", path, Fields{"title": "Naruto", "totalChapters": 3}, false))
			require.NoError(t, store.UpdateDoc(ctx, "user-1", path, Fields{"totalChapters": 4}))
			document, err := store.GetDoc(ctx, "user-1", path)
			require.NoError(t, err)
			assert.Equal(t, "Naruto", document.Fields["title"])
			assert.Equal(t, float64(4), document.Fields["totalChapters"])

			require.NoError(t, store.DeleteDoc(ctx, "user-1", path))
			require.NoError(t, store.DeleteDoc(ctx, "user-1", path))
			_, err = store.GetDoc(ctx, "user-1", path)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNewPathValidation(t *testing.T) {
	_, err := NewPath("series/naruto", "x")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = NewPath("series", "a/b")
	assert.ErrorIs(t, err, ErrInvalidPath)
	path, err := NewPath("/progress/naruto/chapters/", " 12 ")
	require.NoError(t, err)
	assert.Equal(t, "progress/naruto/chapters/12", path.String())
}

func TestGetDocsRejectsInjectedOrderField(t *testing.T) {
	store := NewMemoryStore(nil)
	_, err := store.GetDocs(context.Background(), "user-1", SeriesCollection(), "title); DROP TABLE documents;--")
	assert.ErrorIs(t, err, ErrInvalidField)
}
