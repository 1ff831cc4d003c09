// Package pricegraph keeps a small property graph of products, markets and retailers in the
// key-value store. Nodes and relationships are JSON values; adjacency is kept in per-node
// outgoing and incoming sets so traversal never scans the keyspace.
package pricegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/kvstore"
)

// Node types.
const (
	NodeProduct  = "product"
	NodeMarket   = "market"
	NodeRetailer = "retailer"
	NodeCategory = "category"
)

// Relationship types.
const (
	RelAvailableIn       = "available_in"
	RelSoldBy            = "sold_by"
	RelCheaperThan       = "cheaper_than"
	RelMoreExpensiveThan = "more_expensive_than"
	RelSimilarTo         = "similar_to"
)

// Traversal defaults.
const (
	DefaultDepth      = 2
	DefaultMaxResults = 50
	DefaultMaxPaths   = 5
	maxPathLength     = 6
)

// ErrNotFound is returned when a node or relationship does not exist.
var ErrNotFound = errors.New("pricegraph: not found")

// Direction selects which adjacency set GetRelationships reads.
type Direction string

// Directions.
const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Ref identifies a node.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return r.Type + ":" + r.ID }

// Node is a vertex with free-form properties.
type Node struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
	Created    time.Time      `json:"createdAt"`
	Updated    time.Time      `json:"lastUpdated"`
}

// Ref returns the node's reference.
func (n Node) Ref() Ref { return Ref{Type: n.Type, ID: n.ID} }

// Relationship is a directed, typed edge.
type Relationship struct {
	ID         string         `json:"id"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId"`
	Type       string         `json:"relationshipType"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Strength   float64        `json:"strength"`
	Properties map[string]any `json:"properties,omitempty"`
	Created    time.Time      `json:"createdAt"`
	Updated    time.Time      `json:"lastUpdated"`
}

// Source returns the relationship's source reference.
func (r Relationship) Source() Ref { return Ref{Type: r.SourceType, ID: r.SourceID} }

// Target returns the relationship's target reference.
func (r Relationship) Target() Ref { return Ref{Type: r.TargetType, ID: r.TargetID} }

// ConnectedNode is a node reached by ConnectedNodes and its hop distance from the start.
type ConnectedNode struct {
	Node
	Depth int `json:"depth"`
}

// SearchResult is a node matched by Search.
type SearchResult struct {
	Node
	Score float64 `json:"relevanceScore"`
}

// Stats counts the graph's contents.
type Stats struct {
	TotalNodes          int            `json:"totalNodes"`
	TotalRelationships  int            `json:"totalRelationships"`
	NodesByType         map[string]int `json:"nodesByType"`
	RelationshipsByType map[string]int `json:"relationshipsByType"`
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// Graph is the store-backed property graph.
type Graph struct {
	store  kvstore.Store
	logger *zap.Logger
	now    func() time.Time
}

// New builds a graph over store.
func New(store kvstore.Store, logger *zap.Logger, opts ...Option) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func nodeKey(r Ref) string             { return "node:" + r.Type + ":" + r.ID }
func relationshipKey(id string) string { return "relationship:" + id }
func outgoingKey(r Ref) string         { return "outgoing:" + r.Type + ":" + r.ID }
func incomingKey(r Ref) string         { return "incoming:" + r.Type + ":" + r.ID }

// RelationshipID is the deterministic id of the edge src -relType-> dst.
func RelationshipID(src Ref, relType string, dst Ref) string {
	return src.Type + ":" + src.ID + ":" + relType + ":" + dst.Type + ":" + dst.ID
}

func validateRef(field string, r Ref) error {
	if r.Type == "" || r.ID == "" {
		return faults.Validation(field, "node type and id are required")
	}
	return nil
}

// CreateNode writes a node, merging into an existing one so its creation time survives.
func (g *Graph) CreateNode(ctx context.Context, ref Ref, props map[string]any) (Node, error) {
	if err := validateRef("node", ref); err != nil {
		return Node{}, err
	}
	now := g.now().UTC()
	node := Node{Type: ref.Type, ID: ref.ID, Properties: map[string]any{}, Created: now, Updated: now}
	if existing, err := g.GetNode(ctx, ref); err == nil {
		node.Created = existing.Created
		for k, v := range existing.Properties {
			node.Properties[k] = v
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Node{}, err
	}
	for k, v := range props {
		node.Properties[k] = v
	}

	if err := g.put(ctx, nodeKey(ref), node); err != nil {
		return Node{}, fmt.Errorf("create node %s: %w", ref, err)
	}
	g.logger.Debug("node written", zap.String("node", ref.String()))
	return node, nil
}

// GetNode loads a node.
func (g *Graph) GetNode(ctx context.Context, ref Ref) (Node, error) {
	var n Node
	if err := g.get(ctx, nodeKey(ref), &n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// CreateRelationship writes the edge src -relType-> dst and indexes it on both endpoints.
// A zero strength defaults to 1.
func (g *Graph) CreateRelationship(
	ctx context.Context,
	src Ref,
	relType string,
	dst Ref,
	strength float64,
	props map[string]any,
) (Relationship, error) {
	if err := validateRef("source", src); err != nil {
		return Relationship{}, err
	}
	if err := validateRef("target", dst); err != nil {
		return Relationship{}, err
	}
	if relType == "" {
		return Relationship{}, faults.Validation("relationshipType", "must not be empty")
	}
	if strength == 0 {
		strength = 1
	}

	now := g.now().UTC()
	rel := Relationship{
		ID:         RelationshipID(src, relType, dst),
		SourceType: src.Type,
		SourceID:   src.ID,
		Type:       relType,
		TargetType: dst.Type,
		TargetID:   dst.ID,
		Strength:   strength,
		Properties: props,
		Created:    now,
		Updated:    now,
	}
	if existing, err := g.GetRelationship(ctx, rel.ID); err == nil {
		rel.Created = existing.Created
	}

	if err := g.put(ctx, relationshipKey(rel.ID), rel); err != nil {
		return Relationship{}, fmt.Errorf("create relationship %s: %w", rel.ID, err)
	}
	if err := g.store.SAdd(ctx, outgoingKey(src), rel.ID); err != nil {
		return Relationship{}, fmt.Errorf("index relationship %s: %w", rel.ID, err)
	}
	if err := g.store.SAdd(ctx, incomingKey(dst), rel.ID); err != nil {
		return Relationship{}, fmt.Errorf("index relationship %s: %w", rel.ID, err)
	}
	g.logger.Debug("relationship written", zap.String("relationship", rel.ID))
	return rel, nil
}

// GetRelationship loads one relationship by id.
func (g *Graph) GetRelationship(ctx context.Context, id string) (Relationship, error) {
	var rel Relationship
	if err := g.get(ctx, relationshipKey(id), &rel); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// GetRelationships lists a node's edges in the given direction, optionally filtered by type.
// Index entries whose relationship has been removed are skipped.
func (g *Graph) GetRelationships(ctx context.Context, ref Ref, dir Direction, relType string) ([]Relationship, error) {
	if dir == "" {
		dir = Both
	}
	var keys []string
	if dir == Outgoing || dir == Both {
		keys = append(keys, outgoingKey(ref))
	}
	if dir == Incoming || dir == Both {
		keys = append(keys, incomingKey(ref))
	}

	var out []Relationship
	for _, key := range keys {
		ids, err := g.store.SMembers(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rel, err := g.GetRelationship(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if relType != "" && rel.Type != relType {
				continue
			}
			out = append(out, rel)
		}
	}
	return out, nil
}

// UpdateStrength changes the strength of an existing relationship.
func (g *Graph) UpdateStrength(ctx context.Context, id string, strength float64) (Relationship, error) {
	rel, err := g.GetRelationship(ctx, id)
	if err != nil {
		return Relationship{}, err
	}
	rel.Strength = strength
	rel.Updated = g.now().UTC()
	if err := g.put(ctx, relationshipKey(id), rel); err != nil {
		return Relationship{}, fmt.Errorf("update relationship %s: %w", id, err)
	}
	return rel, nil
}

// ConnectedNodes walks the graph breadth-first from start in both directions, up to depth
// hops, returning at most maxResults nodes (the start node included at depth 0).
func (g *Graph) ConnectedNodes(ctx context.Context, start Ref, depth, maxResults int) ([]ConnectedNode, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	type item struct {
		ref   Ref
		depth int
	}
	visited := map[Ref]bool{start: true}
	queue := []item{{ref: start}}
	var out []ConnectedNode

	for len(queue) > 0 && len(out) < maxResults {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cur := queue[0]
		queue = queue[1:]

		node, err := g.GetNode(ctx, cur.ref)
		switch {
		case err == nil:
			out = append(out, ConnectedNode{Node: node, Depth: cur.depth})
		case !errors.Is(err, ErrNotFound):
			return out, err
		}
		if cur.depth >= depth {
			continue
		}

		rels, err := g.GetRelationships(ctx, cur.ref, Both, "")
		if err != nil {
			return out, err
		}
		for _, rel := range rels {
			next := rel.Target()
			if next == cur.ref {
				next = rel.Source()
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, item{ref: next, depth: cur.depth + 1})
		}
	}
	return out, nil
}

// FindPaths returns up to maxPaths shortest-first paths from src to dst following outgoing
// edges. Paths never revisit a node.
func (g *Graph) FindPaths(ctx context.Context, src, dst Ref, maxPaths int) ([][]Ref, error) {
	if maxPaths <= 0 {
		maxPaths = DefaultMaxPaths
	}
	var paths [][]Ref
	queue := [][]Ref{{src}}

	for len(queue) > 0 && len(paths) < maxPaths {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		path := queue[0]
		queue = queue[1:]
		last := path[len(path)-1]

		if last == dst {
			paths = append(paths, path)
			continue
		}
		if len(path) >= maxPathLength {
			continue
		}

		rels, err := g.GetRelationships(ctx, last, Outgoing, "")
		if err != nil {
			return paths, err
		}
		for _, rel := range rels {
			next := rel.Target()
			if containsRef(path, next) {
				continue
			}
			extended := make([]Ref, len(path), len(path)+1)
			copy(extended, path)
			queue = append(queue, append(extended, next))
		}
	}
	return paths, nil
}

func containsRef(path []Ref, r Ref) bool {
	for _, p := range path {
		if p == r {
			return true
		}
	}
	return false
}

// Search matches query case-insensitively against node ids and property values, limited to
// nodeTypes when given. Results are ordered by relevance.
func (g *Graph) Search(ctx context.Context, query string, nodeTypes []string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, faults.Validation("query", "must not be empty")
	}

	patterns := []string{"node:*"}
	if len(nodeTypes) > 0 {
		patterns = patterns[:0]
		for _, t := range nodeTypes {
			patterns = append(patterns, "node:"+t+":*")
		}
	}

	var results []SearchResult
	for _, pattern := range patterns {
		keys, err := g.store.Scan(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			var n Node
			if err := g.get(ctx, key, &n); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, err
			}
			props, _ := json.Marshal(n.Properties)
			if !strings.Contains(strings.ToLower(n.ID), q) && !strings.Contains(strings.ToLower(string(props)), q) {
				continue
			}
			results = append(results, SearchResult{Node: n, Score: g.relevance(n, q)})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ref().String() < results[j].Ref().String()
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// relevance scores id matches over property matches and favors recently updated nodes.
func (g *Graph) relevance(n Node, q string) float64 {
	var score float64
	if strings.Contains(strings.ToLower(n.ID), q) {
		score += 10
	}
	for _, v := range n.Properties {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			score += 5
		}
	}
	if !n.Updated.IsZero() {
		days := g.now().Sub(n.Updated).Hours() / 24
		if bonus := 5 - days; bonus > 0 {
			score += bonus
		}
	}
	return score
}

// Stats counts nodes and relationships by type.
func (g *Graph) Stats(ctx context.Context) (Stats, error) {
	st := Stats{NodesByType: map[string]int{}, RelationshipsByType: map[string]int{}}

	nodeKeys, err := g.store.Scan(ctx, "node:*")
	if err != nil {
		return st, fmt.Errorf("scan nodes: %w", err)
	}
	for _, key := range nodeKeys {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) < 3 {
			continue
		}
		st.TotalNodes++
		st.NodesByType[parts[1]]++
	}

	relKeys, err := g.store.Scan(ctx, "relationship:*")
	if err != nil {
		return st, fmt.Errorf("scan relationships: %w", err)
	}
	for _, key := range relKeys {
		var rel Relationship
		if err := g.get(ctx, key, &rel); err != nil {
			continue
		}
		st.TotalRelationships++
		st.RelationshipsByType[rel.Type]++
	}
	return st, nil
}

// Cleanup deletes nodes and relationships not updated within olderThan and reports how many
// were removed. Adjacency entries for removed relationships are left behind and skipped on read.
func (g *Graph) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := g.now().Add(-olderThan)
	removed := 0

	sweep := func(pattern string, updated func(key string) (time.Time, bool)) error {
		keys, err := g.store.Scan(ctx, pattern)
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		var stale []string
		for _, key := range keys {
			if ts, ok := updated(key); ok && ts.Before(cutoff) {
				stale = append(stale, key)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		n, err := g.store.Del(ctx, stale...)
		if err != nil {
			return fmt.Errorf("delete stale entries: %w", err)
		}
		removed += int(n)
		return nil
	}

	err := sweep("node:*", func(key string) (time.Time, bool) {
		var n Node
		if g.get(ctx, key, &n) != nil {
			return time.Time{}, false
		}
		return n.Updated, true
	})
	if err == nil {
		err = sweep("relationship:*", func(key string) (time.Time, bool) {
			var rel Relationship
			if g.get(ctx, key, &rel) != nil {
				return time.Time{}, false
			}
			return rel.Updated, true
		})
	}
	if err != nil {
		return removed, err
	}
	g.logger.Info("graph cleanup finished", zap.Int("removed", removed), zap.Duration("older_than", olderThan))
	return removed, nil
}

func (g *Graph) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, key, string(raw), 0)
}

func (g *Graph) get(ctx context.Context, key string, v any) error {
	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
