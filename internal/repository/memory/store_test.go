package memory

import (
	"testing"

	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/repository/repotest"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store { return New() })
}
