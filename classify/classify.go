// Package classify narrows a discovered capability set to the subset
// relevant to a free-text request. An external oracle (an LLM, typically)
// does the scoring when available; when it is absent or fails, a
// deterministic lexical fallback produces a best-effort ranking that is
// explicitly distinguishable from an oracle-backed one.
package classify

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/internal/metrics"
)

// Source records which scorer produced a match.
type Source string

const (
	// SourceOracle marks a ranking produced by the external scoring oracle.
	SourceOracle Source = "oracle"
	// SourceLexical marks the deterministic fallback ranking.
	SourceLexical Source = "lexical"
)

// Match is one selected capability with its relevance payload, preserved
// for downstream observability.
type Match struct {
	Record     capability.Record `json:"record"`
	Relevance  float64           `json:"relevance"`
	Reason     string            `json:"reason,omitempty"`
	Source     Source            `json:"source"`
	Confidence float64           `json:"confidence"`
}

// Oracle is the opaque scoring boundary. Implementations rank the
// candidates against the request text; how they do it is not this package's
// concern.
type Oracle interface {
	ClassifyFunctions(ctx context.Context, text string, candidates []capability.Record) ([]Match, error)
}

// lexicalConfidenceCap keeps fallback confidence strictly below what an
// oracle-backed ranking reports, so consumers can always tell them apart.
const lexicalConfidenceCap = 0.5

// Classifier routes a request text to the relevant subset of a registry
// snapshot.
type Classifier struct {
	oracle    Oracle
	logger    *zap.Logger
	collector *metrics.Collector
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithOracle attaches the external scoring oracle.
func WithOracle(o Oracle) Option {
	return func(c *Classifier) { c.oracle = o }
}

// WithCollector attaches the metrics collector.
func WithCollector(col *metrics.Collector) Option {
	return func(c *Classifier) { c.collector = col }
}

// New creates a Classifier. Without an oracle every classification uses the
// lexical fallback.
func New(logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		logger: logger.With(zap.String("component", "classifier")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the candidates worth presenting to the invocation step.
// A single oracle attempt is made; any oracle failure routes to the lexical
// fallback immediately, never to the caller. The fallback ranks by token
// overlap against each capability's name and description and never returns
// the full candidate set disguised as an oracle success.
func (c *Classifier) Classify(ctx context.Context, text string, candidates []capability.Record) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if c.oracle != nil {
		start := time.Now()
		matches, err := c.oracle.ClassifyFunctions(ctx, text, candidates)
		if err == nil {
			matches = sanitize(matches, candidates)
			c.collector.RecordClassification(string(SourceOracle), time.Since(start))
			c.logger.Debug("oracle classification",
				zap.Int("candidates", len(candidates)),
				zap.Int("selected", len(matches)),
			)
			return matches, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn("oracle unavailable, using lexical fallback", zap.Error(err))
	}

	start := time.Now()
	matches := lexicalRank(text, candidates)
	c.collector.RecordClassification(string(SourceLexical), time.Since(start))
	c.logger.Debug("lexical classification",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(matches)),
	)
	return matches, nil
}

// sanitize clamps oracle output onto the actual candidate set: unknown
// function ids are dropped, source and confidence are normalized.
func sanitize(matches []Match, candidates []capability.Record) []Match {
	byID := make(map[string]capability.Record, len(candidates))
	for _, rec := range candidates {
		byID[rec.FunctionID] = rec
	}

	out := make([]Match, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.Record.FunctionID]
		if !ok {
			continue
		}
		if _, dup := seen[rec.FunctionID]; dup {
			continue
		}
		seen[rec.FunctionID] = struct{}{}
		m.Record = rec
		m.Source = SourceOracle
		if m.Confidence == 0 {
			m.Confidence = m.Relevance
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	return out
}
