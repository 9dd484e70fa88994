package graph

import (
	"sort"

	"github.com/fincrime/mule-signal-service/domain"
)

// MuleDistances runs one multi-source breadth-first search seeded with every
// confirmed mule at distance 0. Each account is assigned the hop count at
// which the shared wavefront first reaches it, together with the seed mule
// that reached it. Seeds expand in sorted order and the first mule to enqueue
// a node wins equal-distance ties, so results are reproducible. When targets
// is non-nil the search stops once all requested targets have been dequeued;
// the result then only contains the targets. Unreachable accounts keep nil
// distance and mule. Runs in O(V + E), all seeds share one traversal.
func MuleDistances(g *WorkingGraph, mules []string, targets map[string]bool) map[string]domain.MuleDistance {
	seeds := make([]string, 0, len(mules))
	for _, mule := range mules {
		if g.HasNode(mule) {
			seeds = append(seeds, mule)
		}
	}
	sort.Strings(seeds)

	distance := make(map[string]int64)
	origin := make(map[string]string)
	predecessor := make(map[string]string)

	queue := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if _, seen := distance[seed]; seen {
			continue
		}
		distance[seed] = 0
		origin[seed] = seed
		queue = append(queue, seed)
	}

	remaining := len(targets)
	for head := 0; head < len(queue); head++ {
		node := queue[head]
		if targets != nil && targets[node] {
			remaining--
			if remaining == 0 {
				break
			}
		}
		for _, neighbor := range g.SortedNeighbors(node) {
			if _, seen := distance[neighbor]; seen {
				continue
			}
			distance[neighbor] = distance[node] + 1
			origin[neighbor] = origin[node]
			predecessor[neighbor] = node
			queue = append(queue, neighbor)
		}
	}

	results := make(map[string]domain.MuleDistance)
	for _, accountID := range g.Nodes() {
		if targets != nil && !targets[accountID] {
			continue
		}
		results[accountID] = muleDistanceFor(accountID, distance, origin, predecessor)
	}
	// targets that are not part of the working graph have no path by
	// definition
	for accountID := range targets {
		if !g.HasNode(accountID) {
			results[accountID] = domain.MuleDistance{AccountNumber: accountID}
		}
	}
	return results
}

func muleDistanceFor(accountID string, distance map[string]int64, origin, predecessor map[string]string) domain.MuleDistance {
	result := domain.MuleDistance{AccountNumber: accountID}
	hops, reached := distance[accountID]
	if !reached {
		return result
	}
	nearest := origin[accountID]
	result.DistanceToMule = &hops
	result.NearestMule = &nearest

	// path from the account back to its nearest mule
	path := []string{accountID}
	for node := accountID; node != nearest; {
		node = predecessor[node]
		path = append(path, node)
	}
	result.PathNodes = path
	return result
}
