package repository

import (
	"testing"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/upload"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"vedabase_chunk_42", 42, true},
		{"vedabase_chunk_", 0, false},
		{"other_42", 0, false},
		{"vedabase_chunk_4x", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseID("vedabase_chunk_", tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseID(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
	if got := FormatID("vedabase_chunk_", 7); got != "vedabase_chunk_7" {
		t.Errorf("FormatID() = %q", got)
	}
}

func TestRequireEmbeddings(t *testing.T) {
	ok := []models.SourceRecord{{ID: 1, Embedding: []float32{1, 2}}, {ID: 2, Embedding: []float32{3, 4}}}
	if dim, err := RequireEmbeddings(ok); err != nil || dim != 2 {
		t.Errorf("RequireEmbeddings() = %d, %v, want 2", dim, err)
	}

	tests := []struct {
		name    string
		records []models.SourceRecord
	}{
		{"missing", []models.SourceRecord{{ID: 1, Embedding: []float32{1}}, {ID: 2}}},
		{"mixed dimensions", []models.SourceRecord{{ID: 1, Embedding: []float32{1}}, {ID: 2, Embedding: []float32{1, 2}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RequireEmbeddings(tt.records)
			if !upload.IsPermanent(err) {
				t.Errorf("RequireEmbeddings() error = %v, want permanent", err)
			}
		})
	}
}
