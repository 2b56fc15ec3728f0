package cache

import (
	"fmt"

	"github.com/shahmir-m/liber/pkg/domain"
)

// Namespaces have one writer each: profiles belong to the profiler,
// recommendations to the orchestrator, embeddings to the embedding service.

func ProfileKey(modelVersion string, ids []string) string {
	return fmt.Sprintf("profile:%s:%s", modelVersion, domain.SetHash(ids))
}

func RecommendationKey(modelVersion string, revision int64, n int, ids []string) string {
	return fmt.Sprintf("rec:%s:r%d:n%d:%s", modelVersion, revision, n, domain.SetHash(ids))
}

func EmbeddingKey(owner domain.Owner, modelVersion string) string {
	return fmt.Sprintf("emb:%s:%s:%s", modelVersion, owner.Type, owner.ID)
}
