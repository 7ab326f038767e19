// Package catalog turns the url list file into the pages to scrape.
//
// Each non comment line holds a url followed by optional parameters:
//
//	https://www.paknsave.co.nz/shop/category/fresh-foods-and-bakery/dairy--eggs/fresh-milk category=milk pages=3
package catalog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	maxPages      = 20
	Uncategorised = "Uncategorised"
)

// CategorisedURL is one page to scrape and the category its products get.
type CategorisedURL struct {
	URL      string
	Category string
	Page     int
}

type Options struct {
	// URLShouldContain filters out lines for other sites.
	URLShouldContain string
	// ReplaceQueryParams replaces the query string of non search urls.
	ReplaceQueryParams string
	// PageQueryOption is appended for page 2 onwards, e.g. "&pg=".
	PageQueryOption string
	// IncrementPageBy is 1 for page numbers and the page size for offsets.
	IncrementPageBy int
	Logger          *slog.Logger
}

// ReadLines returns the trimmed lines of a file, without comments.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open url file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url file: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no urls found in %s", path)
	}
	return lines, nil
}

// ParseURLLines expands every valid line into one entry per page.
func ParseURLLines(lines []string, opts Options) []CategorisedURL {
	if opts.IncrementPageBy < 1 {
		opts.IncrementPageBy = 1
	}

	var urls []CategorisedURL
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if !strings.Contains(line, opts.URLShouldContain) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		url := OptimiseURL(fields[0], opts.ReplaceQueryParams)
		category := DeriveCategory(url)
		pages := 1

		for _, param := range fields[1:] {
			switch {
			case strings.HasPrefix(param, "category="):
				category = strings.TrimPrefix(param, "category=")
			case strings.HasPrefix(param, "pages="):
				pages = parsePages(strings.TrimPrefix(param, "pages="), opts.Logger)
			}
		}

		for page := 1; page <= pages; page++ {
			urls = append(urls, CategorisedURL{
				URL:      pageURL(url, page, opts),
				Category: category,
				Page:     page,
			})
		}
	}

	return urls
}

// parsePages accepts 2 to 19 pages; anything else falls back to one.
func parsePages(value string, logger *slog.Logger) int {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 1 || n >= maxPages {
		if logger != nil {
			logger.Warn("invalid number of pages", "pages", value)
		}
		return 1
	}
	return n
}

func pageURL(url string, page int, opts Options) string {
	if page == 1 {
		return url
	}
	index := opts.IncrementPageBy * page
	if opts.IncrementPageBy > 1 {
		// offset style: page 2 starts at one page size
		index = opts.IncrementPageBy * (page - 1)
	}
	return url + opts.PageQueryOption + strconv.Itoa(index)
}

// OptimiseURL keeps search urls untouched and replaces the query string of
// everything else with replaceQueryParams.
func OptimiseURL(url, replaceQueryParams string) string {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "search?") || strings.Contains(lower, "f=tags") || strings.Contains(lower, "q=") {
		return url
	}

	if i := strings.Index(url, "?"); i >= 0 {
		url = url[:i]
	}
	return url + "?" + strings.TrimPrefix(replaceQueryParams, "?")
}

// DeriveCategory returns the last path segment before the query string:
// ".../dairy--eggs/fresh-milk?pg=1" gives "fresh-milk".
func DeriveCategory(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		url = url[:i]
	}
	if !strings.Contains(url, "/") {
		return Uncategorised
	}
	last := url[strings.LastIndex(url, "/")+1:]
	if last == "" {
		return Uncategorised
	}
	return last
}
