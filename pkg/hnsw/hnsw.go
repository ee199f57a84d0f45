// Package hnsw implements an approximate k-nearest-neighbor index over
// 384-dim vectors using cosine distance. Built from
// scratch on the standard library: the original Rust implementation
// depends on hnsw_rs, which has no Go equivalent in the retrieval
// pack or the broader ecosystem at the required fidelity, so this is
// the one from-scratch structural component of the module
// (see DESIGN.md).
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Dimensions is the fixed embedding width.
const Dimensions = 384

// Build parameters fixed by
const (
	M              = 12
	EfConstruction = 48
)

// nbLayers implements nb_layer = clamp(ceil(log2(n)), 4, 16).
func nbLayers(n int) int {
	if n < 1 {
		n = 1
	}
	layers := int(math.Ceil(math.Log2(float64(n))))
	if layers < 4 {
		layers = 4
	}
	if layers > 16 {
		layers = 16
	}
	return layers
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, c := range v {
		norm += float64(c) * float64(c)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, c := range v {
		out[i] = float32(float64(c) / norm)
	}
	return out
}

// cosineDistance assumes both vectors are already L2-normalized.
func cosineDistance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot
}

type node struct {
	id        string
	vector    []float32
	neighbors []map[string]struct{} // one set of neighbor ids per layer
}

// Index is a thread-safe approximate k-NN index. Immutable after
// Build; concurrent searches do not contend on a write lock.
type Index struct {
	mu         sync.RWMutex
	nodes      map[string]*node
	layers     int
	entryPoint string
	rng        *rand.Rand
}

// New constructs an empty, buildable index. Call Build once with the
// full input set (spec: build is a one-shot operation per manifest).
func New() *Index {
	return &Index{nodes: make(map[string]*node), rng: rand.New(rand.NewSource(1))}
}

// Item is one input vector for Build.
type Item struct {
	ID     string
	Vector []float32
}

// Build constructs the graph over items. Rejects wrong dimension or
// non-finite components.
func (idx *Index) Build(items []Item) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	layers := nbLayers(len(items))
	idx.layers = layers
	idx.nodes = make(map[string]*node, len(items))
	idx.entryPoint = ""

	for _, it := range items {
		if len(it.Vector) != Dimensions {
			return fmt.Errorf("item %s: dimension mismatch: got %d, want %d", it.ID, len(it.Vector), Dimensions)
		}
		for _, c := range it.Vector {
			if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
				return fmt.Errorf("item %s: non-finite component", it.ID)
			}
		}
		idx.insertLocked(it.ID, normalize(it.Vector), layers)
	}
	return nil
}

func (idx *Index) assignLevel(maxLayers int) int {
	levelMult := 1.0 / math.Log(float64(M))
	level := int(-math.Log(idx.rng.Float64()+1e-12) * levelMult)
	if level >= maxLayers {
		level = maxLayers - 1
	}
	return level
}

func (idx *Index) insertLocked(id string, vec []float32, maxLayers int) {
	level := idx.assignLevel(maxLayers)
	n := &node{id: id, vector: vec, neighbors: make([]map[string]struct{}, level+1)}
	for l := range n.neighbors {
		n.neighbors[l] = make(map[string]struct{})
	}
	idx.nodes[id] = n

	if idx.entryPoint == "" {
		idx.entryPoint = id
		return
	}

	entry := idx.nodes[idx.entryPoint]
	cur := entry.id
	for l := len(entry.neighbors) - 1; l > level; l-- {
		cur = idx.greedyClosestLocked(cur, vec, l)
	}

	for l := min(level, len(entry.neighbors)-1); l >= 0; l-- {
		candidates := idx.searchLayerLocked(vec, cur, EfConstruction, l)
		selected := selectNeighbors(candidates, M)
		for _, c := range selected {
			n.neighbors[l][c.id] = struct{}{}
			other := idx.nodes[c.id]
			if l < len(other.neighbors) {
				other.neighbors[l][id] = struct{}{}
				idx.pruneLocked(other, l)
			}
		}
		if len(candidates) > 0 {
			cur = candidates[0].id
		}
	}

	if level >= len(entry.neighbors) {
		idx.entryPoint = id
	}
}

func (idx *Index) pruneLocked(n *node, layer int) {
	if len(n.neighbors[layer]) <= M {
		return
	}
	type cand struct {
		id   string
		dist float64
	}
	cands := make([]cand, 0, len(n.neighbors[layer]))
	for id := range n.neighbors[layer] {
		cands = append(cands, cand{id: id, dist: cosineDistance(n.vector, idx.nodes[id].vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	kept := make(map[string]struct{}, M)
	for i := 0; i < M && i < len(cands); i++ {
		kept[cands[i].id] = struct{}{}
	}
	n.neighbors[layer] = kept
}

type candidate struct {
	id   string
	dist float64
}

func (idx *Index) greedyClosestLocked(from string, query []float32, layer int) string {
	current := from
	currentDist := cosineDistance(idx.nodes[current].vector, query)
	for {
		improved := false
		n := idx.nodes[current]
		if layer >= len(n.neighbors) {
			return current
		}
		for neighborID := range n.neighbors[layer] {
			d := cosineDistance(idx.nodes[neighborID].vector, query)
			if d < currentDist {
				currentDist = d
				current = neighborID
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

// searchLayerLocked performs a bounded best-first search on one layer,
// returning up to ef candidates sorted by ascending distance.
func (idx *Index) searchLayerLocked(query []float32, entry string, ef, layer int) []candidate {
	visited := map[string]struct{}{entry: {}}
	entryDist := cosineDistance(idx.nodes[entry].vector, query)
	candidates := []candidate{{id: entry, dist: entryDist}}
	best := []candidate{{id: entry, dist: entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
		if len(best) >= ef && c.dist > best[len(best)-1].dist {
			break
		}

		n := idx.nodes[c.id]
		if layer >= len(n.neighbors) {
			continue
		}
		for neighborID := range n.neighbors[layer] {
			if _, seen := visited[neighborID]; seen {
				continue
			}
			visited[neighborID] = struct{}{}
			d := cosineDistance(idx.nodes[neighborID].vector, query)
			candidates = append(candidates, candidate{id: neighborID, dist: d})
			best = append(best, candidate{id: neighborID, dist: d})
			if len(best) > ef {
				sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
				best = best[:ef]
			}
		}
	}

	sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
	return best
}

func selectNeighbors(candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

// SearchResult is one ranked hit converted to a [0,1] similarity
// score (spec: score = 1 - distance).
type SearchResult struct {
	ID    string
	Score float64
}

// Search returns up to k approximate nearest neighbors of query,
// filtered by threshold if non-nil. An empty index returns an empty
// result. Safe for concurrent use.
func (idx *Index) Search(query []float32, k int, threshold *float64) ([]SearchResult, error) {
	if len(query) != Dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, want %d", len(query), Dimensions)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return []SearchResult{}, nil
	}

	efSearch := k * 2
	if efSearch < 50 {
		efSearch = 50
	}

	q := normalize(query)
	cur := idx.entryPoint
	topLayer := len(idx.nodes[idx.entryPoint].neighbors) - 1
	for l := topLayer; l > 0; l-- {
		cur = idx.greedyClosestLocked(cur, q, l)
	}

	candidates := idx.searchLayerLocked(q, cur, efSearch, 0)

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score := 1 - c.dist
		if threshold != nil && score < *threshold {
			continue
		}
		results = append(results, SearchResult{ID: c.id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
