package dedup

import (
	"fmt"
	"sort"

	"github.com/coder/hnsw"

	"github.com/faceset/faceset/internal/verify"
)

// neighborPairs builds an approximate nearest-neighbor graph over the face
// embeddings and returns the candidate index pairs worth hashing. Keeps the
// duplicate scan near-linear for large candidate sets.
//
// Candidates without an embedding cannot be indexed; those are compared
// against everything so no duplicate can hide behind a missing vector.
func neighborPairs(candidates []verify.Scored, k int) ([][2]int, error) {
	graph := hnsw.NewGraph[int]()
	graph.M = k
	graph.Ml = 1.0 / float64(k)
	graph.Distance = hnsw.CosineDistance

	indexed := 0
	var unindexed []int
	for i, cand := range candidates {
		if len(cand.Embedding) == 0 {
			unindexed = append(unindexed, i)
			continue
		}
		graph.Add(hnsw.MakeNode(i, cand.Embedding))
		indexed++
	}

	if indexed == 0 {
		return nil, fmt.Errorf("no candidate carries an embedding")
	}

	seen := make(map[[2]int]struct{})
	addPair := func(a, b int) {
		if a == b {
			return
		}
		if a > b {
			a, b = b, a
		}
		seen[[2]int{a, b}] = struct{}{}
	}

	for i, cand := range candidates {
		if len(cand.Embedding) == 0 {
			continue
		}
		for _, neighbor := range graph.Search(cand.Embedding, k) {
			addPair(i, neighbor.Key)
		}
	}

	for _, i := range unindexed {
		for j := range candidates {
			addPair(i, j)
		}
	}

	pairs := make([][2]int, 0, len(seen))
	for pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	return pairs, nil
}
