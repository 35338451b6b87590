package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/pkg/runctx"
)

// ContentFilter trips on configured keywords and patterns. It can guard
// either stage and can be reconfigured while runs are in flight.
type ContentFilter struct {
	mu       sync.RWMutex
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// NewContentFilter creates a new content filter.
func NewContentFilter(cfg config.ModerationConfig) (*ContentFilter, error) {
	f := &ContentFilter{}
	if err := f.Update(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// Update swaps in a new rule set. On error the previous rules stay active.
func (f *ContentFilter) Update(cfg config.ModerationConfig) error {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = cfg.Enabled
	f.keywords = append([]string(nil), cfg.BlockedKeywords...)
	f.patterns = patterns
	return nil
}

func (f *ContentFilter) Name() string { return "content_filter" }

func (f *ContentFilter) Check(_ context.Context, subject Subject, _ *runctx.RunContext) (Verdict, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled {
		return Verdict{}, nil
	}

	normalized := strings.ToLower(subject.Text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return Verdict{Tripped: true, Detail: fmt.Sprintf("%s contains blocked keyword: %s", subject.Stage, kw)}, nil
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(subject.Text) {
			return Verdict{Tripped: true, Detail: fmt.Sprintf("%s matches blocked pattern #%d", subject.Stage, i+1)}, nil
		}
	}
	return Verdict{}, nil
}
