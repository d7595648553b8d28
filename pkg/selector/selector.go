// Package selector decides which objects of a container a batch moves.
package selector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"blobmover/pkg/models"
	"blobmover/pkg/storage"
)

// CandidateSet is the ordered, duplicate-free result of a selection
type CandidateSet struct {
	objects []storage.Object
	seen    map[string]struct{}
}

func newCandidateSet() *CandidateSet {
	return &CandidateSet{seen: make(map[string]struct{})}
}

func (c *CandidateSet) add(obj storage.Object) bool {
	if obj.IsDirectory {
		return false
	}
	if _, ok := c.seen[obj.Name]; ok {
		return false
	}
	c.seen[obj.Name] = struct{}{}
	c.objects = append(c.objects, obj)
	return true
}

// Objects returns the candidates in selection order
func (c *CandidateSet) Objects() []storage.Object {
	return append([]storage.Object(nil), c.objects...)
}

// Names returns the candidate names in selection order
func (c *CandidateSet) Names() []string {
	names := make([]string, len(c.objects))
	for i, obj := range c.objects {
		names[i] = obj.Name
	}
	return names
}

// Len returns the number of candidates
func (c *CandidateSet) Len() int {
	return len(c.objects)
}

// TotalBytes returns the summed size of all candidates
func (c *CandidateSet) TotalBytes() int64 {
	var total int64
	for _, obj := range c.objects {
		total += obj.Size
	}
	return total
}

// Filter drops every object for which re.MatchString(name) == isExclusion.
// With isExclusion it removes matches, otherwise it removes non-matches.
func Filter(objects []storage.Object, re *regexp.Regexp, isExclusion bool) []storage.Object {
	if re == nil {
		return objects
	}
	kept := objects[:0:0]
	for _, obj := range objects {
		if re.MatchString(obj.Name) == isExclusion {
			continue
		}
		kept = append(kept, obj)
	}
	return kept
}

// Selector resolves selection expressions against a store
type Selector struct {
	logger *slog.Logger
}

// New creates a selector. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{logger: logger}
}

// Select lists the candidates named by selectionExpr in the store's container and
// applies the exclusion pattern followed by the inclusion pattern of a "*regex" expression.
func (s *Selector) Select(ctx context.Context, store storage.Store, selectionExpr, exclusionExpr string) (*CandidateSet, error) {
	expr, err := Parse(selectionExpr)
	if err != nil {
		return nil, err
	}
	exclude, err := ParseExclusion(exclusionExpr)
	if err != nil {
		return nil, err
	}

	candidates := newCandidateSet()
	switch expr.Kind {
	case KindAll:
		err = s.collect(ctx, store, 0, candidates)
	case KindCount:
		err = s.collect(ctx, store, expr.Count, candidates)
	case KindFromFile:
		err = s.fromFile(ctx, store, expr.Path, candidates)
	case KindExact:
		err = s.exact(ctx, store, expr.ExactName, candidates)
	}
	if err != nil {
		return nil, err
	}

	objects := Filter(candidates.objects, exclude, true)
	objects = Filter(objects, expr.Include, false)

	result := newCandidateSet()
	for _, obj := range objects {
		result.add(obj)
	}

	s.logger.Debug("selection resolved",
		"container", store.Container(),
		"expression", expr.Kind.String(),
		"listed", candidates.Len(),
		"selected", result.Len())
	return result, nil
}

func (s *Selector) collect(ctx context.Context, store storage.Store, limit int, into *CandidateSet) error {
	if err := listInto(ctx, store, limit, into); err != nil {
		return models.SelectionError("list container", err)
	}
	return nil
}

// listInto pages through the container until the marker is exhausted or limit
// objects have been collected. Directory markers never count towards the limit.
func listInto(ctx context.Context, store storage.Store, limit int, into *CandidateSet) error {
	marker := ""
	for {
		page, err := store.ListPage(ctx, marker)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", store.Container(), err)
		}
		for _, obj := range page.Objects {
			into.add(obj)
			if limit > 0 && into.Len() >= limit {
				return nil
			}
		}
		if page.Next == "" {
			return nil
		}
		marker = page.Next
	}
}

func (s *Selector) fromFile(ctx context.Context, store storage.Store, path string, into *CandidateSet) error {
	f, err := os.Open(path)
	if err != nil {
		return models.SelectionError("read list file", fmt.Errorf("%w: %v", models.ErrInvalidSelection, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		name := line
		if strings.Contains(line, "://") {
			if name, err = store.NameFromURL(line); err != nil {
				s.logger.Warn("skipping list entry", "file", path, "line", lineNo, "error", err)
				continue
			}
		}

		obj, err := store.Properties(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("skipping missing object", "file", path, "line", lineNo, "object", name)
			continue
		}
		if err != nil {
			return models.SelectionError("read list file", fmt.Errorf("line %d: %w", lineNo, err))
		}
		into.add(obj)
	}
	if err := scanner.Err(); err != nil {
		return models.SelectionError("read list file", fmt.Errorf("%w: %v", models.ErrInvalidSelection, err))
	}
	return nil
}

func (s *Selector) exact(ctx context.Context, store storage.Store, name string, into *CandidateSet) error {
	obj, err := store.Properties(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return models.SelectionError("select object", fmt.Errorf("%w: %s", models.ErrObjectNotFound, name))
	}
	if err != nil {
		return models.SelectionError("select object", err)
	}
	if obj.IsDirectory {
		return models.SelectionError("select object", fmt.Errorf("%w: %s is a directory", models.ErrObjectNotFound, name))
	}
	into.add(obj)
	return nil
}
