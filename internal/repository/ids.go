package repository

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/upload"
)

// FormatID renders a record id as a vector-store id.
func FormatID(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

// ParseID reverses FormatID. Ids with another prefix or a non-numeric
// suffix are not ours and report false.
func ParseID(prefix, remoteID string) (int64, bool) {
	rest, ok := strings.CutPrefix(remoteID, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// RequireEmbeddings fails permanently when any record lacks a vector or the
// vectors disagree on dimension. It returns the common dimension.
func RequireEmbeddings(records []models.SourceRecord) (int, error) {
	dim := 0
	for _, r := range records {
		if !r.HasEmbedding() {
			return 0, upload.Permanent(fmt.Errorf("record %d has no embedding; run vsync embed first", r.ID))
		}
		if dim == 0 {
			dim = len(r.Embedding)
		} else if len(r.Embedding) != dim {
			return 0, upload.Permanent(fmt.Errorf("record %d has %d dimensions, batch has %d", r.ID, len(r.Embedding), dim))
		}
	}
	return dim, nil
}

// Metadata returns the string attributes a vector store keeps per record.
func Metadata(r models.SourceRecord) map[string]string {
	meta := make(map[string]string, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta["record_id"] = strconv.FormatInt(r.ID, 10)
	meta["parent_id"] = strconv.FormatInt(r.ParentID, 10)
	meta["kind"] = r.Kind
	meta["fingerprint"] = r.Fingerprint()
	if r.SequenceIndex != nil {
		meta["sequence_index"] = strconv.Itoa(*r.SequenceIndex)
	}
	return meta
}
