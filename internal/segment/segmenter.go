// Package segment splits long texts into bounded-size chunks at sentence
// boundaries.
package segment

import (
	"errors"
	"regexp"
	"strings"

	"github.com/vedabase-rag-sync/internal/models"
)

// ErrInvalidOptions is returned by New for unusable size limits.
var ErrInvalidOptions = errors.New("invalid segmenter options")

// sentenceEnd matches terminal punctuation followed by whitespace.
var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Options configures a Segmenter.
type Options struct {
	// MaxSize is the hard upper bound on a chunk, in Metric units.
	MaxSize int
	// TargetSize is a soft size at which the buffer is flushed at the next
	// sentence boundary. Zero disables it.
	TargetSize int
	// Metric defaults to Words.
	Metric Metric
}

// Segmenter splits text into chunks. It is stateless and safe for concurrent use.
type Segmenter struct {
	max    int
	target int
	metric Metric
}

// New validates opts and returns a Segmenter.
func New(opts Options) (*Segmenter, error) {
	if opts.MaxSize <= 0 {
		return nil, ErrInvalidOptions
	}
	if opts.TargetSize < 0 || opts.TargetSize > opts.MaxSize {
		return nil, ErrInvalidOptions
	}
	metric := opts.Metric
	if metric == nil {
		metric = Words
	}
	return &Segmenter{max: opts.MaxSize, target: opts.TargetSize, metric: metric}, nil
}

// Metric returns the size metric in use.
func (s *Segmenter) Metric() Metric {
	return s.metric
}

// MaxSize returns the configured hard limit.
func (s *Segmenter) MaxSize() int {
	return s.max
}

// Split returns the ordered chunks of content. Empty or blank content yields
// no chunks. Content that already fits is returned unchanged as one chunk.
// A single sentence longer than MaxSize is emitted whole and flagged Oversized.
func (s *Segmenter) Split(parentID int64, content string) []models.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if size := s.metric.Size(content); size <= s.max {
		return []models.Chunk{{ParentID: parentID, Text: content, SizeMetric: size}}
	}

	var (
		chunks  []models.Chunk
		buf     []string
		bufSize int
	)
	flush := func() {
		chunks = append(chunks, models.Chunk{
			ParentID:      parentID,
			SequenceIndex: len(chunks),
			Text:          strings.Join(buf, " "),
			SizeMetric:    bufSize,
			Oversized:     bufSize > s.max,
		})
		buf = buf[:0]
		bufSize = 0
	}

	for _, sentence := range Sentences(content) {
		if len(buf) == 0 {
			buf = append(buf, sentence)
			bufSize = s.metric.Size(sentence)
			continue
		}
		grown := s.metric.Size(strings.Join(buf, " ") + " " + sentence)
		if grown > s.max || (s.target > 0 && bufSize >= s.target) {
			flush()
			buf = append(buf, sentence)
			bufSize = s.metric.Size(sentence)
			continue
		}
		buf = append(buf, sentence)
		bufSize = grown
	}
	if len(buf) > 0 {
		flush()
	}
	return chunks
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// Sentences are trimmed and empty ones dropped.
func Sentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
