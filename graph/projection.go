package graph

import (
	"sort"
	"sync"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
)

// ProjectionName is the working graph name used by the batch pipeline. It is
// scoped to this service so that unrelated jobs sharing the catalog cannot
// collide with it.
const ProjectionName = "mule-signal-working-graph"

var ErrProjectionExists = errors.New("projection already exists")
var ErrProjectionNotFound = errors.New("projection not found")

// WorkingGraph is a transient, undirected, weighted simplification of the
// transaction graph, used only during batch analysis. Nodes are accounts with
// at least one transaction, edge weight is the transaction count between the
// pair. Self-loops and zero-weight edges are excluded at projection time.
type WorkingGraph struct {
	nodes     map[string]bool
	adjacency map[string]map[string]float64
	edgeCount int
}

func NewWorkingGraph() *WorkingGraph {
	return &WorkingGraph{
		nodes:     make(map[string]bool),
		adjacency: make(map[string]map[string]float64),
	}
}

func (g *WorkingGraph) AddNode(id string) {
	g.nodes[id] = true
}

func (g *WorkingGraph) HasNode(id string) bool {
	return g.nodes[id]
}

// AddEdge adds undirected weight between the two endpoints. Repeated calls
// for the same pair accumulate. Endpoints are not auto-created, consistency
// between edges and nodes is validated by the consumers of the graph.
func (g *WorkingGraph) AddEdge(u, v string, weight float64) {
	if u == v || weight == 0 {
		return
	}
	if g.adjacency[u] == nil {
		g.adjacency[u] = make(map[string]float64)
	}
	if g.adjacency[v] == nil {
		g.adjacency[v] = make(map[string]float64)
	}
	if _, known := g.adjacency[u][v]; !known {
		g.edgeCount++
	}
	g.adjacency[u][v] += weight
	g.adjacency[v][u] += weight
}

func (g *WorkingGraph) NodeCount() int {
	return len(g.nodes)
}

func (g *WorkingGraph) EdgeCount() int {
	return g.edgeCount
}

// Nodes returns all node ids in sorted order. Deterministic iteration keeps
// clustering and pathfinding reproducible for a fixed input snapshot.
func (g *WorkingGraph) Nodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

func (g *WorkingGraph) Neighbors(id string) map[string]float64 {
	return g.adjacency[id]
}

// SortedNeighbors returns the neighbor ids of a node in sorted order.
func (g *WorkingGraph) SortedNeighbors(id string) []string {
	neighbors := make([]string, 0, len(g.adjacency[id]))
	for neighbor := range g.adjacency[id] {
		neighbors = append(neighbors, neighbor)
	}
	sort.Strings(neighbors)
	return neighbors
}

// BuildWorkingGraph projects aggregated edge records into an undirected
// weighted graph. Only accounts with at least one transaction become nodes.
func BuildWorkingGraph(edges []domain.EdgeRecord) *WorkingGraph {
	g := NewWorkingGraph()
	for _, edge := range edges {
		if edge.SourceAccount == edge.TargetAccount || edge.Count == 0 {
			continue
		}
		g.AddNode(edge.SourceAccount)
		g.AddNode(edge.TargetAccount)
		g.AddEdge(edge.SourceAccount, edge.TargetAccount, float64(edge.Count))
	}
	return g
}

// Catalog tracks named working graph projections. A projection is a shared,
// globally named resource: creating an existing name fails instead of
// silently overwriting.
type Catalog struct {
	mu     sync.Mutex
	graphs map[string]*WorkingGraph
}

func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*WorkingGraph)}
}

func (c *Catalog) Create(name string, g *WorkingGraph) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.graphs[name]; exists {
		return errors.Wrapf(ErrProjectionExists, "creating projection [%s]", name)
	}
	c.graphs[name] = g
	return nil
}

func (c *Catalog) Get(name string) (*WorkingGraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, exists := c.graphs[name]
	if !exists {
		return nil, errors.Wrapf(ErrProjectionNotFound, "getting projection [%s]", name)
	}
	return g, nil
}

// Drop releases the named projection. Returns whether it existed.
func (c *Catalog) Drop(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.graphs[name]
	delete(c.graphs, name)
	return existed
}

// EdgeReader provides the raw transaction edges of the graph store.
type EdgeReader interface {
	ReadTransactions() ([]domain.EdgeRecord, error)
}

// Projector materializes the named working graph projection from the store.
type Projector struct {
	reader  EdgeReader
	catalog *Catalog
}

func NewProjector(reader EdgeReader, catalog *Catalog) *Projector {
	return &Projector{reader: reader, catalog: catalog}
}

// Project reads the current edge snapshot and registers it in the catalog
// under the given name. Fails if the store is unreachable or the name is
// already taken.
func (p *Projector) Project(name string) (*WorkingGraph, error) {
	edges, err := p.reader.ReadTransactions()
	if err != nil {
		return nil, errors.Wrap(err, "reading transactions for projection")
	}
	g := BuildWorkingGraph(edges)
	if err := p.catalog.Create(name, g); err != nil {
		return nil, err
	}
	return g, nil
}
