package ingest

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

const (
	unknownSeriesSlug  = "unknown-series"
	unknownSeriesTitle = "Unknown Series"
)

var (
	// ErrInvalidRules indicates a series rule file that cannot be used.
	ErrInvalidRules = errors.New("ingest: invalid series rules")

	chapterSuffixPattern = regexp.MustCompile(`_chapter_\d+`)
	slugSeparatorPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// SeriesRule maps keywords found in a file name or chapter title to a known series.
// Matching is a case-sensitive substring test.
type SeriesRule struct {
	Slug         string `yaml:"slug"`
	Title        string `yaml:"title"`
	FileKeyword  string `yaml:"file_keyword"`
	TitleKeyword string `yaml:"title_keyword"`
}

func (r SeriesRule) matches(fileName, chapterTitle string) bool {
	if r.FileKeyword != "" && strings.Contains(fileName, r.FileKeyword) {
		return true
	}
	return r.TitleKeyword != "" && strings.Contains(chapterTitle, r.TitleKeyword)
}

type rulesFile struct {
	Series []SeriesRule `yaml:"series"`
}

// DefaultRules returns the built-in known-series list.
func DefaultRules() []SeriesRule {
	return []SeriesRule{
		{Slug: "dragon-ball-super", Title: "Dragon Ball Super", FileKeyword: "dragon_ball_super", TitleKeyword: "Dragon Ball"},
		{Slug: "one-piece", Title: "One Piece", FileKeyword: "one_piece", TitleKeyword: "One Piece"},
		{Slug: "naruto", Title: "Naruto", FileKeyword: "naruto", TitleKeyword: "Naruto"},
	}
}

// LoadRules reads a YAML rule file of the form:
//
//	series:
//	  - slug: one-piece
//	    title: One Piece
//	    file_keyword: one_piece
//	    title_keyword: One Piece
func LoadRules(path string) ([]SeriesRule, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read rules %s: %w", path, err)
	}
	return ParseRules(contents)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(contents []byte) ([]SeriesRule, error) {
	var decoded rulesFile
	if err := yaml.Unmarshal(contents, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	rules := make([]SeriesRule, 0, len(decoded.Series))
	for index, rule := range decoded.Series {
		rule.Slug = strings.TrimSpace(rule.Slug)
		rule.Title = strings.TrimSpace(rule.Title)
		if rule.Slug == "" || rule.Title == "" {
			return nil, fmt.Errorf("%w: rule %d needs slug and title", ErrInvalidRules, index)
		}
		if rule.FileKeyword == "" && rule.TitleKeyword == "" {
			return nil, fmt.Errorf("%w: rule %q has no keyword", ErrInvalidRules, rule.Slug)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// InferSeries resolves the series of a chapter from its file name and title.
// Without a matching rule the series is derived from the file name.
func InferSeries(rules []SeriesRule, fileName, chapterTitle string) (slug, title string) {
	for _, rule := range rules {
		if rule.matches(fileName, chapterTitle) {
			return rule.Slug, rule.Title
		}
	}

	baseName := strings.Replace(fileName, ".json", "", 1)
	if location := chapterSuffixPattern.FindStringIndex(baseName); location != nil {
		baseName = baseName[:location[0]] + baseName[location[1]:]
	}

	slug = slugSeparatorPattern.ReplaceAllString(strings.ToLower(baseName), "-")
	title = titleCase(strings.ReplaceAll(baseName, "_", " "))
	if strings.Trim(slug, "-") == "" || strings.TrimSpace(title) == "" {
		return unknownSeriesSlug, unknownSeriesTitle
	}
	return slug, strings.TrimSpace(title)
}

// titleCase upper-cases the first character of every word.
func titleCase(value string) string {
	runes := []rune(value)
	previousIsWord := false
	for index, r := range runes {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
		if isWord && !previousIsWord {
			runes[index] = unicode.ToUpper(r)
		}
		previousIsWord = isWord
	}
	return string(runes)
}
