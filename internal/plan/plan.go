// Package plan decomposes a download case into archive-sized chunks.
package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/atmoslab/era-fetcher/internal/product"
)

// ErrInvalidRequest is returned when a request cannot be planned.
var ErrInvalidRequest = errors.New("invalid chunk plan request")

// Request describes one download case to be decomposed into chunks.
type Request struct {
	Case     string
	Start    time.Time // first day, inclusive
	End      time.Time // last day, inclusive
	Products []product.Definition
	Times    []string
	Area     product.Area
	Grid     product.Grid
	Format   string

	ChunkDays int
	MaxFields int // 0 disables variable-group splitting
}

// ChunkSpec is one archive request: a bounded day span and variable
// selection for a single product. Specs are immutable once planned.
type ChunkSpec struct {
	ID         string
	Product    string
	Dataset    string
	Start      time.Time
	End        time.Time
	Variables  []string
	Levels     []int
	Times      []string
	Area       product.Area
	Grid       product.Grid
	Format     string
	TargetPath string
}

// Days returns the number of days the chunk spans, inclusive.
func (s ChunkSpec) Days() int {
	return int(s.End.Sub(s.Start).Hours()/24) + 1
}

// Fields returns the number of archive fields the chunk requests.
func (s ChunkSpec) Fields() int {
	levels := len(s.Levels)
	if levels == 0 {
		levels = 1
	}
	return len(s.Variables) * levels * len(s.Times) * s.Days()
}

// Plan decomposes the request into an ordered, deterministic chunk list.
// Chunks for each product cover the full range contiguously, never cross a
// calendar month boundary, and split into variable groups when a span's
// field count exceeds MaxFields. Identical requests always yield identical
// chunk IDs and ordering.
func Plan(req Request) ([]ChunkSpec, error) {
	if req.Start.IsZero() || req.End.IsZero() {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidRequest)
	}
	if req.End.Before(req.Start) {
		return nil, fmt.Errorf("%w: range is inverted (%s after %s)",
			ErrInvalidRequest, fmtDay(req.Start), fmtDay(req.End))
	}
	if len(req.Products) == 0 {
		return nil, fmt.Errorf("%w: at least one product is required", ErrInvalidRequest)
	}
	if len(req.Times) == 0 {
		return nil, fmt.Errorf("%w: at least one analysis time is required", ErrInvalidRequest)
	}
	if req.ChunkDays < 1 {
		return nil, fmt.Errorf("%w: chunk days must be at least 1, got %d", ErrInvalidRequest, req.ChunkDays)
	}
	ext, err := product.ExtensionFor(req.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, d := range req.Products {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	spans := splitRange(truncateDay(req.Start), truncateDay(req.End), req.ChunkDays)

	var out []ChunkSpec
	for _, d := range req.Products {
		for _, sp := range spans {
			groups := variableGroups(d, len(req.Times), sp.days(), req.MaxFields)
			for gi, vars := range groups {
				idSuffix, fileSuffix := "", ""
				if len(groups) > 1 {
					idSuffix = fmt.Sprintf("-g%d", gi+1)
					fileSuffix = fmt.Sprintf("_g%d", gi+1)
				}
				out = append(out, ChunkSpec{
					ID:         chunkID(d.Name, sp.start, sp.end) + idSuffix,
					Product:    d.Name,
					Dataset:    d.Dataset,
					Start:      sp.start,
					End:        sp.end,
					Variables:  vars,
					Levels:     d.Levels,
					Times:      req.Times,
					Area:       req.Area,
					Grid:       req.Grid,
					Format:     req.Format,
					TargetPath: targetPath(req.Case, d.Name+fileSuffix+ext, sp),
				})
			}
		}
	}
	return out, nil
}

// SortByID orders chunks lexicographically by ID. IDs embed zero-padded
// dates, so this is also chronological within a product.
func SortByID(chunks []ChunkSpec) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ID < chunks[j].ID
	})
}

// chunkID derives the stable identifier for a product and day span.
func chunkID(name string, start, end time.Time) string {
	return fmt.Sprintf("%s-%s-%s", name, start.Format("20060102"), end.Format("20060102"))
}

// targetPath builds the location for a chunk's payload, relative to the
// sink root: {case}/{yyyy}/{mm}/{dd}_{dd}/{file}. The same path doubles
// as the mirror object key.
func targetPath(caseName, file string, sp span) string {
	return filepath.Join(caseName,
		fmt.Sprintf("%04d", sp.start.Year()),
		fmt.Sprintf("%02d", int(sp.start.Month())),
		fmt.Sprintf("%02d_%02d", sp.start.Day(), sp.end.Day()),
		file,
	)
}

type span struct {
	start, end time.Time // inclusive days
}

func (s span) days() int {
	return int(s.end.Sub(s.start).Hours()/24) + 1
}

// splitRange partitions [start, end] into contiguous spans of at most
// chunkDays days, cutting every span at its calendar month end.
func splitRange(start, end time.Time, chunkDays int) []span {
	var out []span
	for cur := start; !cur.After(end); {
		last := cur.AddDate(0, 0, chunkDays-1)
		if me := monthEnd(cur); last.After(me) {
			last = me
		}
		if last.After(end) {
			last = end
		}
		out = append(out, span{start: cur, end: last})
		cur = last.AddDate(0, 0, 1)
	}
	return out
}

// monthEnd returns the last day of t's calendar month.
func monthEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, -1)
}

// variableGroups splits a product's variables into contiguous groups so
// that each group's field count for the span stays at or under maxFields.
// A group never shrinks below a single variable.
func variableGroups(d product.Definition, times, days, maxFields int) [][]string {
	levels := len(d.Levels)
	if levels == 0 {
		levels = 1
	}
	fields := len(d.Variables) * levels * times * days

	groups := 1
	if maxFields > 0 && fields > maxFields {
		groups = (fields + maxFields - 1) / maxFields
		if groups > len(d.Variables) {
			groups = len(d.Variables)
		}
	}

	per := (len(d.Variables) + groups - 1) / groups
	var out [][]string
	for i := 0; i < len(d.Variables); i += per {
		j := i + per
		if j > len(d.Variables) {
			j = len(d.Variables)
		}
		out = append(out, d.Variables[i:j])
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func fmtDay(t time.Time) string {
	return t.Format("2006-01-02")
}
