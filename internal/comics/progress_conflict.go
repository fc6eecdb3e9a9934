package comics

import "time"

const unknownChapterTitle = "Unknown Chapter"

type progressOutcome struct {
	Accepted bool
	Progress Progress
}

// resolveProgress decides whether update supersedes existing. Writes are ordered
// by WriteSeq; equal sequences fall back to the update time, and a tie accepts.
func resolveProgress(existing *Progress, update ProgressUpdate, appliedAt time.Time) progressOutcome {
	stored := Progress{}
	if existing != nil {
		stored = *existing
	}

	acceptChange := false
	switch {
	case existing == nil:
		acceptChange = true
	case update.WriteSeq > stored.WriteSeq:
		acceptChange = true
	case update.WriteSeq < stored.WriteSeq:
		acceptChange = false
	default:
		acceptChange = !appliedAt.Before(stored.UpdatedAt)
	}

	if !acceptChange {
		return progressOutcome{Accepted: false, Progress: stored}
	}

	updated := Progress{
		ChapterID:     update.ChapterID,
		SeriesSlug:    update.SeriesSlug,
		IsRead:        update.IsRead,
		LastPage:      clampLastPage(update.LastPage, update.PageCount),
		ChapterNumber: update.ChapterNumber,
		Title:         update.Title,
		UpdatedAt:     appliedAt,
		WriteSeq:      update.WriteSeq,
	}
	if updated.ChapterNumber == 0 {
		updated.ChapterNumber = stored.ChapterNumber
	}
	if updated.Title == "" {
		updated.Title = stored.Title
	}
	if updated.Title == "" {
		updated.Title = unknownChapterTitle
	}
	if updated.IsRead {
		readAt := appliedAt
		updated.ReadAt = &readAt
	}

	return progressOutcome{Accepted: true, Progress: updated}
}

func clampLastPage(page, pageCount int) int {
	if page < 0 {
		return 0
	}
	if pageCount > 0 && page > pageCount-1 {
		return pageCount - 1
	}
	return page
}
