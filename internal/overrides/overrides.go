// Package overrides applies manual corrections kept in a text table, one
// product per line:
//
//	<id> [<size>] [category=<value>] [invalid]
package overrides

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/maltedev/grocery-price-scraper/internal/normalize"
)

const (
	categoryPrefix = "category="
	invalidMarker  = "invalid"
)

var sizeTokenPattern = regexp.MustCompile(`(?i)\d+(g|kg|ml|l)`)

// LineSource returns every table line whose identifier matches id, in file order.
type LineSource interface {
	LinesFor(id string) []string
}

// Table is an in-memory override table indexed by identifier.
type Table struct {
	lines map[string][]string
}

// NewTable indexes raw lines. Blank lines and lines starting with # or // are skipped.
func NewTable(lines []string) *Table {
	t := &Table{lines: make(map[string][]string)}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		id := strings.Fields(line)[0]
		t.lines[id] = append(t.lines[id], line)
	}
	return t
}

// LoadFile reads a table from disk.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open override file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read override file: %w", err)
	}

	return NewTable(lines), nil
}

func (t *Table) LinesFor(id string) []string {
	if t == nil {
		return nil
	}
	return t.lines[id]
}

// Len returns the number of identifiers with at least one line.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.lines)
}

type Resolver struct {
	source LineSource
}

func NewResolver(source LineSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve merges every matching line for id. Later lines override earlier
// ones field by field.
func (r *Resolver) Resolve(id string) models.Override {
	result := models.Override{ID: id}
	if r == nil || r.source == nil {
		return result
	}

	for _, line := range r.source.LinesFor(id) {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != id {
			continue
		}

		for _, token := range fields[1:] {
			switch {
			case strings.HasPrefix(token, categoryPrefix):
				if category := strings.TrimPrefix(token, categoryPrefix); category != "" {
					result.Category = category
				}
			case strings.EqualFold(token, invalidMarker):
				result.Invalid = true
			case sizeTokenPattern.MatchString(token):
				if size, ok := normalize.NormalizeSize(token, "", 0); ok {
					result.Size = size
				} else {
					result.Size = token
				}
			}
		}
	}

	return result
}
