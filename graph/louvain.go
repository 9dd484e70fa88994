package graph

import (
	"sort"

	"github.com/pkg/errors"
)

var ErrMalformedGraph = errors.New("malformed graph")

// maxLocalMovePasses bounds phase 1 in case modularity oscillates on
// pathological inputs. Real inputs converge in a handful of passes.
const maxLocalMovePasses = 16

// DetectCommunities partitions the working graph into communities via
// two-phase modularity optimization: greedy local moving until no single-node
// move improves modularity, then aggregation of communities into super-nodes,
// repeated until no further merge happens. Nodes are visited in sorted order,
// so the partition is reproducible for a fixed input snapshot. The result
// maps every account id to a dense community id starting at zero.
func DetectCommunities(g *WorkingGraph) (map[string]int64, error) {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return map[string]int64{}, nil
	}

	index := make(map[string]int, len(nodes))
	for i, id := range nodes {
		index[id] = i
	}

	// validate edges and build the level-0 adjacency
	adjacency := make([]map[int]float64, len(nodes))
	for i := range adjacency {
		adjacency[i] = make(map[int]float64)
	}
	for id, neighbors := range g.adjacency {
		i, known := index[id]
		if !known {
			return nil, errors.Wrapf(ErrMalformedGraph, "edge references unknown account [%s]", id)
		}
		for neighborID, weight := range neighbors {
			j, known := index[neighborID]
			if !known {
				return nil, errors.Wrapf(ErrMalformedGraph, "edge references unknown account [%s]", neighborID)
			}
			adjacency[i][j] = weight
		}
	}

	selfLoops := make([]float64, len(nodes))

	// assignment[i] tracks which current-level node the original node i has
	// been folded into
	assignment := make([]int, len(nodes))
	for i := range assignment {
		assignment[i] = i
	}

	for {
		community, merged := localMove(adjacency, selfLoops)
		if !merged {
			break
		}
		adjacency, selfLoops = aggregate(adjacency, selfLoops, community)
		for i := range assignment {
			assignment[i] = community[assignment[i]]
		}
		if len(adjacency) <= 1 {
			break
		}
	}

	// renumber to dense ids in sorted original-node order
	result := make(map[string]int64, len(nodes))
	renumbered := make(map[int]int64)
	for i, id := range nodes {
		communityID, seen := renumbered[assignment[i]]
		if !seen {
			communityID = int64(len(renumbered))
			renumbered[assignment[i]] = communityID
		}
		result[id] = communityID
	}
	return result, nil
}

// localMove runs phase 1 on the current level. It returns the community of
// every node and whether any nodes were merged (fewer communities than
// nodes). Each node starts in its own singleton community, then nodes are
// repeatedly moved into the neighboring community with the largest
// strictly-positive modularity gain until a local optimum is reached.
func localMove(adjacency []map[int]float64, selfLoops []float64) ([]int, bool) {
	n := len(adjacency)
	degree := make([]float64, n)
	var m2 float64
	for i := range adjacency {
		for _, weight := range adjacency[i] {
			degree[i] += weight
		}
		degree[i] += 2 * selfLoops[i]
		m2 += degree[i]
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}
	if m2 == 0 {
		// no edges: every node stays a singleton community
		return community, false
	}

	communityTotal := make([]float64, n)
	copy(communityTotal, degree)

	improvedAtAll := false
	for pass := 0; pass < maxLocalMovePasses; pass++ {
		moves := 0
		for i := 0; i < n; i++ {
			current := community[i]
			communityTotal[current] -= degree[i]

			// weight from node i towards each neighboring community
			neighborWeight := make(map[int]float64)
			neighborWeight[current] = 0
			candidates := []int{current}
			for j, weight := range adjacency[i] {
				if _, seen := neighborWeight[community[j]]; !seen {
					candidates = append(candidates, community[j])
				}
				neighborWeight[community[j]] += weight
			}
			sort.Ints(candidates)

			// move only on a strictly positive gain over staying put; ties
			// resolve to the smallest community id via the sorted candidate
			// order
			best := current
			bestGain := neighborWeight[current] - degree[i]*communityTotal[current]/m2
			for _, candidate := range candidates {
				gain := neighborWeight[candidate] - degree[i]*communityTotal[candidate]/m2
				if gain > bestGain {
					best = candidate
					bestGain = gain
				}
			}

			communityTotal[best] += degree[i]
			community[i] = best
			if best != current {
				moves++
			}
		}
		if moves > 0 {
			improvedAtAll = true
		} else {
			break
		}
	}
	if !improvedAtAll {
		return community, false
	}

	// renumber communities of this level densely
	renumbered := make(map[int]int)
	for i := range community {
		id, seen := renumbered[community[i]]
		if !seen {
			id = len(renumbered)
			renumbered[community[i]] = id
		}
		community[i] = id
	}
	return community, len(renumbered) < n
}

// aggregate runs phase 2: each community collapses into a single super-node,
// edge weights are summed across merged boundaries and internal weight is
// carried as self-loops.
func aggregate(adjacency []map[int]float64, selfLoops []float64, community []int) ([]map[int]float64, []float64) {
	count := 0
	for _, c := range community {
		if c+1 > count {
			count = c + 1
		}
	}

	newAdjacency := make([]map[int]float64, count)
	for i := range newAdjacency {
		newAdjacency[i] = make(map[int]float64)
	}
	newSelfLoops := make([]float64, count)

	for i := range adjacency {
		newSelfLoops[community[i]] += selfLoops[i]
		for j, weight := range adjacency[i] {
			if j < i {
				continue // undirected edges are stored symmetrically
			}
			ci, cj := community[i], community[j]
			if ci == cj {
				newSelfLoops[ci] += weight
			} else {
				newAdjacency[ci][cj] += weight
				newAdjacency[cj][ci] += weight
			}
		}
	}
	return newAdjacency, newSelfLoops
}
