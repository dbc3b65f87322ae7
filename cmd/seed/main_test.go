package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
		want    []grant
	}{
		{
			name: "defaults reason",
			raw:  "grants:\n  - user_id: \" user-1 \"\n    amount: 500\n",
			want: []grant{{UserID: "user-1", Amount: 500, Reason: "seed"}},
		},
		{
			name: "keeps reason",
			raw:  "grants:\n  - user_id: user-2\n    amount: 10\n    reason: launch bonus\n",
			want: []grant{{UserID: "user-2", Amount: 10, Reason: "launch bonus"}},
		},
		{name: "missing user", raw: "grants:\n  - amount: 10\n", wantErr: "user_id is required"},
		{name: "non-positive amount", raw: "grants:\n  - user_id: u\n    amount: 0\n", wantErr: "amount must be positive"},
		{name: "malformed yaml", raw: "grants: [", wantErr: "decode manifest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseManifest([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Grants)
		})
	}
}

func TestSeedGrants_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	grants := []grant{
		{UserID: "user-1", Amount: 100, Reason: "seed"},
		{UserID: "user-1", Amount: 50, Reason: "bonus"},
		{UserID: "user-2", Amount: 20, Reason: "seed"},
	}

	applied, err := seedGrants(ctx, l, grants)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	applied, err = seedGrants(ctx, l, grants)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	acct, err := l.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), acct.Available)
}
