package filter

import (
	"regexp"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// Pipeline decides whether an integration receives an event: every where
// clause must match and no exclude pattern may match the event name.
type Pipeline struct {
	exclude []*regexp.Regexp
	where   *WhereFilter
}

// NewPipeline returns nil when there is nothing to filter. A nil Pipeline
// matches everything.
func NewPipeline(exclude []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if len(exclude) == 0 && where == nil {
		return nil
	}
	return &Pipeline{exclude: exclude, where: where}
}

// Build compiles a pipeline from where clauses and exclude patterns.
func Build(whereClauses, excludePatterns []string) (*Pipeline, error) {
	where, err := NewWhereFilter(whereClauses)
	if err != nil {
		return nil, err
	}
	var exclude []*regexp.Regexp
	for _, p := range excludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		exclude = append(exclude, re)
	}
	return NewPipeline(exclude, where), nil
}

// Match reports whether ev passes the pipeline.
func (p *Pipeline) Match(ev *domain.Event) bool {
	if p == nil {
		return true
	}
	for _, re := range p.exclude {
		if re.MatchString(ev.Name) {
			return false
		}
	}
	return p.where.Match(ev)
}
