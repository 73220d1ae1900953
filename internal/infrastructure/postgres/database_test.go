package postgres

import (
	"testing"
	"time"
)

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "placeholders kept",
			query: "SELECT id FROM transactions WHERE tenant_id = $1 AND id = $2",
			want:  "SELECT id FROM transactions WHERE tenant_id = $1 AND id = $2",
		},
		{
			name:  "string literal masked",
			query: "UPDATE connections SET status = 'revoked' WHERE tenant_id = $1",
			want:  "UPDATE connections SET status = '?' WHERE tenant_id = $1",
		},
		{
			name:  "escaped quote masked",
			query: "SELECT 'it''s' FROM invoices",
			want:  "SELECT '?' FROM invoices",
		},
		{
			name:  "numeric literal masked",
			query: "SELECT * FROM matches WHERE confidence > 0.9 LIMIT 50",
			want:  "SELECT * FROM matches WHERE confidence > ? LIMIT ?",
		},
		{
			name:  "identifier digits kept",
			query: "SELECT amount2 FROM t1",
			want:  "SELECT amount2 FROM t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeQuery(tt.query); got != tt.want {
				t.Errorf("sanitizeQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSQLVerb(t *testing.T) {
	tests := map[string]string{
		"select 1":                        "SELECT",
		"\n\t\tINSERT INTO invoices (id)": "INSERT",
		"DELETE FROM oauth_states":        "DELETE",
		"COMMIT":                          "COMMIT",
	}
	for query, want := range tests {
		if got := extractSQLVerb(query); got != want {
			t.Errorf("extractSQLVerb(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestPoolDefaults(t *testing.T) {
	got := Pool{}.withDefaults()
	if got.MaxOpenConns != 25 || got.MaxIdleConns != 5 || got.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("withDefaults() = %+v", got)
	}

	custom := Pool{MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: time.Minute}.withDefaults()
	if custom.MaxOpenConns != 50 || custom.MaxIdleConns != 10 || custom.ConnMaxLifetime != time.Minute {
		t.Errorf("withDefaults() overrode explicit settings: %+v", custom)
	}
}
