package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// NewHashEmbedder returns a deterministic feature-hashing Embedder: each
// lowercased word is hashed into one of dim buckets and the resulting
// vector L2-normalized. It has no learned semantics, but two records that
// share vocabulary land close in cosine space, which is enough for
// merge-on-write dedup and coarse RAG retrieval against a self-hosted
// inference backend with no embedding endpoint of its own (spec §4.7
// names embeddings as "fixed-dim floats" without mandating a provider).
//
// This is a standard-library-only fallback, not a stand-in for a real
// embedding model: a deployment with access to an embedding-capable
// backend should supply its own Embedder (the dependency this package
// takes is chromem.EmbeddingFunc, so any provider plugs in directly).
func NewHashEmbedder(dim int) Embedder {
	if dim <= 0 {
		dim = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[int(h.Sum32())%dim] += 1
		}
		var norm float64
		for _, f := range vec {
			norm += float64(f) * float64(f)
		}
		if norm == 0 {
			return vec, nil
		}
		norm = math.Sqrt(norm)
		for i, f := range vec {
			vec[i] = float32(float64(f) / norm)
		}
		return vec, nil
	}
}
