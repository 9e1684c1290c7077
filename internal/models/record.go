package models

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Kinds of records produced by ingestion and re-segmentation.
const (
	KindBody          = "body"
	KindHeader        = "header"
	SegmentKindSuffix = "_segment"
)

// SourceRecord is one unit of content in the local authoritative store.
// ID is immutable once assigned and is the only join key against remote stores.
type SourceRecord struct {
	ID            int64             `json:"id" db:"id"`
	ParentID      int64             `json:"parent_id" db:"parent_id"`
	Kind          string            `json:"kind" db:"kind"`
	SequenceIndex *int              `json:"sequence_index,omitempty" db:"sequence_index"`
	Content       string            `json:"content" db:"content"`
	SizeMetric    int               `json:"size_metric" db:"size_metric"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"-"`
	Embedding     []float32         `json:"embedding,omitempty" db:"-"`
}

// ContentHash hashes the fields an embedding is computed from.
func (r SourceRecord) ContentHash() string {
	return Fingerprint(r.Kind, r.Content)
}

// Fingerprint returns a stable hash of everything a remote copy must agree
// on: the content and whether a vector of what dimension is attached. A
// record embedded after it was synced therefore no longer matches its
// remote copy.
func (r SourceRecord) Fingerprint() string {
	return SyncFingerprint(r.ContentHash(), len(r.Embedding))
}

// SyncFingerprint combines a content hash with the dimension of the attached
// vector. Unembedded records keep the bare content hash.
func SyncFingerprint(contentHash string, dimensions int) string {
	if dimensions == 0 {
		return contentHash
	}
	return Fingerprint(contentHash, "vector", strconv.Itoa(dimensions))
}

// HasEmbedding reports whether a vector is attached to the record.
func (r SourceRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// Fingerprint hashes the given parts with BLAKE2b-256.
func Fingerprint(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Chunk is one bounded-size piece of a longer text.
type Chunk struct {
	ParentID      int64  `json:"parent_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	SizeMetric    int    `json:"size_metric"`
	// Oversized marks a single sentence longer than the configured maximum.
	Oversized bool `json:"oversized,omitempty"`
}

// IDs returns the ids of records in their current order.
func IDs(records []SourceRecord) []int64 {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// Float32Slice converts []float64 to []float32 for vector stores.
func Float32Slice(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
