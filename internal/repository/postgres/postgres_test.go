package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/vedabase-rag-sync/internal/upload"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code          pq.ErrorCode
		wantPermanent bool
	}{
		{"22000", true}, // data exception
		{"23505", true}, // unique violation
		{"42P01", true}, // undefined table
		{"28P01", true}, // bad password
		{"08006", false},
		{"40001", false},
		{"53300", false},
		{"57014", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", &pq.Error{Code: tt.code, Message: "boom"}))
			if got := upload.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent(%s) = %v, want %v", tt.code, got, tt.wantPermanent)
			}
			var pqErr *pq.Error
			if !errors.As(err, &pqErr) {
				t.Error("classification lost the *pq.Error")
			}
		})
	}

	plain := errors.New("driver: bad connection")
	if got := classify(plain); got != plain {
		t.Errorf("classify(non-pq) = %v, want unchanged", got)
	}
}

func TestQuoteTable(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"chunks", `"chunks"`, false},
		{"vedabase_chunks_v2", `"vedabase_chunks_v2"`, false},
		{"chunks; DROP TABLE x", "", true},
		{"", "", true},
		{"9chunks", "", true},
	}
	for _, tt := range tests {
		got, err := quoteTable(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("quoteTable(%q) = %q, %v", tt.in, got, err)
		}
	}

	if _, err := NewChunkTarget(nil, "bad name", 3); !errors.Is(err, upload.ErrConfiguration) {
		t.Errorf("NewChunkTarget() error = %v, want ErrConfiguration", err)
	}
}

func TestBuildKeywordQuery(t *testing.T) {
	query, args := buildKeywordQuery(`"chunks"`, []string{"krishna", "arjuna"}, 5)
	for _, want := range []string{
		"content ILIKE $1 OR content ILIKE $2",
		"::float8 / 2 AS score",
		`FROM "chunks"`,
		"LIMIT $3",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
	if len(args) != 3 || args[0] != "%krishna%" || args[2] != 5 {
		t.Errorf("args = %v", args)
	}
}

func TestSnippet(t *testing.T) {
	short := "Arjuna said: O Krishna."
	if got := snippet(short, []string{"krishna"}); got != short {
		t.Errorf("snippet(short) = %q", got)
	}

	long := strings.Repeat("a ", 200) + "Krishna" + strings.Repeat(" b", 200)
	got := snippet(long, []string{"krishna"})
	if !strings.Contains(got, "Krishna") {
		t.Errorf("snippet lost the match: %q", got)
	}
	if !strings.HasPrefix(got, "…") || !strings.HasSuffix(got, "…") {
		t.Errorf("snippet not elided: %q", got)
	}

	if got := matchedWords("The Supreme Personality", []string{"supreme", "arjuna"}); len(got) != 1 || got[0] != "supreme" {
		t.Errorf("matchedWords() = %v", got)
	}
}
