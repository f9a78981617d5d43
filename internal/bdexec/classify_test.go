package bdexec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want Category
	}{
		{"list", []string{"list"}, ReadOnly},
		{"show", []string{"show", "bd-123"}, ReadOnly},
		{"search", []string{"search", "flaky test"}, ReadOnly},
		{"ready", []string{"ready"}, ReadOnly},
		{"blocked", []string{"blocked"}, ReadOnly},
		{"stats", []string{"stats"}, ReadOnly},
		{"count", []string{"count"}, ReadOnly},
		{"graph", []string{"graph"}, ReadOnly},
		{"duplicates", []string{"duplicates"}, ReadOnly},
		{"comments list", []string{"comments", "bd-123"}, ReadOnly},
		{"dep list", []string{"dep", "list", "bd-123"}, ReadOnly},
		{"dep tree", []string{"dep", "tree", "bd-123"}, ReadOnly},

		{"update", []string{"update", "bd-123", "--status", "closed"}, IdempotentWrite},
		{"label add", []string{"label", "add", "bd-123", "urgent"}, IdempotentWrite},
		{"label remove", []string{"label", "remove", "bd-123", "urgent"}, IdempotentWrite},
		{"sync", []string{"sync"}, IdempotentWrite},
		{"dep remove", []string{"dep", "remove", "bd-123", "bd-456"}, IdempotentWrite},

		{"create", []string{"create", "new bug"}, NonIdempotentWrite},
		{"dep add", []string{"dep", "add", "bd-123", "bd-456"}, NonIdempotentWrite},
		{"comment add", []string{"comment", "bd-123", "text"}, NonIdempotentWrite},
		{"import", []string{"import"}, NonIdempotentWrite},
		{"unknown verb", []string{"frobnicate"}, NonIdempotentWrite},
		{"empty vector", nil, NonIdempotentWrite},

		{"flags before verb", []string{"--json", "list"}, ReadOnly},
		{"flags between verb and sub", []string{"dep", "--json", "list"}, ReadOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.argv))
		})
	}
}

func TestPlan(t *testing.T) {
	readTimeout := 5 * time.Second
	writeTimeout := 20 * time.Second

	tests := []struct {
		name        string
		argv        []string
		wantTimeout time.Duration
		wantBudget  int
	}{
		{"read gets read timeout and one retry", []string{"list"}, readTimeout, 1},
		{"idempotent write gets write timeout and one retry", []string{"update", "bd-1"}, writeTimeout, 1},
		{"non-idempotent write gets write timeout and no retry", []string{"create", "x"}, writeTimeout, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := Plan(tt.argv, readTimeout, writeTimeout)
			assert.Equal(t, tt.wantTimeout, cl.Timeout)
			assert.Equal(t, tt.wantBudget, cl.RetryBudget)
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "read-only", ReadOnly.String())
	assert.Equal(t, "idempotent-write", IdempotentWrite.String())
	assert.Equal(t, "non-idempotent-write", NonIdempotentWrite.String())
}
