package dedup

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/faceset/faceset/internal/verify"
)

// Group is a set of mutually-duplicate candidates. The representative is
// always at index 0 of Members.
type Group struct {
	Members []verify.Scored
}

// Representative returns the member kept for the final dataset.
func (g Group) Representative() verify.Scored {
	return g.Members[0]
}

// Options control duplicate resolution.
type Options struct {
	// DuplicateThreshold is the minimum hash similarity for two crops to
	// count as duplicates.
	DuplicateThreshold float64
	// PairwiseCutoff is the candidate count above which an approximate
	// neighbor index replaces the full pairwise comparison.
	PairwiseCutoff int
	// IndexNeighbors is how many approximate neighbors to check per
	// candidate when the index is in use.
	IndexNeighbors int
}

// Resolver groups near-duplicate candidates and keeps one per group.
type Resolver struct {
	opts Options
	log  *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(opts Options, log *slog.Logger) *Resolver {
	if opts.PairwiseCutoff <= 0 {
		opts.PairwiseCutoff = 400
	}
	if opts.IndexNeighbors <= 0 {
		opts.IndexNeighbors = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{opts: opts, log: log}
}

// Resolve hashes every candidate crop, groups transitively-linked
// duplicates, and returns one group per distinct image. Group membership
// and representatives do not depend on input order.
func (r *Resolver) Resolve(candidates []verify.Scored) ([]Group, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	// Canonical processing order, so the result is the same no matter how
	// the candidates were shuffled upstream.
	sorted := make([]verify.Scored, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	hashes := make([]uint64, len(sorted))
	for i, cand := range sorted {
		data, err := os.ReadFile(cand.CropPath)
		if err != nil {
			return nil, fmt.Errorf("read crop %s: %w", cand.CropPath, err)
		}
		hash, err := ComputeHash(data)
		if err != nil {
			return nil, fmt.Errorf("hash crop %s: %w", cand.CropPath, err)
		}
		hashes[i] = hash
	}

	uf := newUnionFind(len(sorted))
	for _, pair := range r.candidatePairs(sorted) {
		if Similarity(hashes[pair[0]], hashes[pair[1]]) >= r.opts.DuplicateThreshold {
			uf.union(pair[0], pair[1])
		}
	}

	byRoot := make(map[int][]verify.Scored)
	for i := range sorted {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], sorted[i])
	}

	groups := make([]Group, 0, len(byRoot))
	for _, members := range byRoot {
		sortByPreference(members)
		groups = append(groups, Group{Members: members})
	}

	// Stable output order: by representative ID.
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Representative().ID < groups[j].Representative().ID
	})

	r.log.Info("duplicate resolution done",
		"candidates", len(candidates),
		"groups", len(groups),
		"duplicates_removed", len(candidates)-len(groups),
	)

	return groups, nil
}

// Representatives returns the kept member of each group.
func Representatives(groups []Group) []verify.Scored {
	out := make([]verify.Scored, len(groups))
	for i, g := range groups {
		out[i] = g.Representative()
	}
	return out
}

// candidatePairs returns the index pairs to compare. Small sets get the
// exact pairwise set; large sets are prefiltered by an approximate
// nearest-neighbor index over the face embeddings.
func (r *Resolver) candidatePairs(candidates []verify.Scored) [][2]int {
	if len(candidates) <= r.opts.PairwiseCutoff {
		pairs := make([][2]int, 0, len(candidates)*(len(candidates)-1)/2)
		for i := range candidates {
			for j := i + 1; j < len(candidates); j++ {
				pairs = append(pairs, [2]int{i, j})
			}
		}
		return pairs
	}

	pairs, err := neighborPairs(candidates, r.opts.IndexNeighbors)
	if err != nil {
		// Fall back to the exact comparison rather than miss duplicates.
		r.log.Warn("neighbor index failed, using pairwise comparison", "error", err)
		r.opts.PairwiseCutoff = len(candidates)
		return r.candidatePairs(candidates)
	}
	return pairs
}

// sortByPreference orders group members best-first: detection confidence,
// then verification similarity, then crop area, then acquisition order.
func sortByPreference(members []verify.Scored) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		as, bs := similarityOrZero(a), similarityOrZero(b)
		if as != bs {
			return as > bs
		}
		if a.CropArea != b.CropArea {
			return a.CropArea > b.CropArea
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

func similarityOrZero(s verify.Scored) float64 {
	if s.Similarity == nil {
		return 0
	}
	return *s.Similarity
}

// unionFind is a plain disjoint-set with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Deterministic: the smaller index wins as root.
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
