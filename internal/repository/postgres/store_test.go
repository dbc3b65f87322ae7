package postgres

import (
	"testing"

	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/repository/repotest"
	"reelbatch.io/orchestrator/internal/testutil"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return New(testutil.OpenMigratedPool(t, "repo_"+t.Name()))
	})
}
