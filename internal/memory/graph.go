// Package memory is the long-term knowledge graph: entities and
// relationships distilled from conversations by the consolidation loop,
// queryable by the rest of the runtime.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medulla-ai/medulla/internal/observability"
)

// Conversation is one stored exchange pair.
type Conversation struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	TraceID           string    `json:"trace_id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	CreatedAt         time.Time `json:"created_at"`
}

// Entity is one node in the graph. Mentions counts how often consolidation
// has re-seen it.
type Entity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Mentions    int       `json:"mentions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Relationship is one directed edge between two entities, by name.
type Relationship struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Interest is an entity ranked by how often it comes up.
type Interest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Mentions int    `json:"mentions"`
}

// Store is the graph contract the orchestrator and the background loops
// depend on.
type Store interface {
	CreateConversation(ctx context.Context, c Conversation) (string, error)
	CreateEntity(ctx context.Context, e Entity) (string, error)
	CreateRelationship(ctx context.Context, r Relationship) error
	QueryMemory(ctx context.Context, query string, limit int) ([]Entity, error)
	GetUserInterests(ctx context.Context, limit int) ([]Interest, error)
}

// Health summarizes graph shape for the quality monitor.
type Health struct {
	Entities              int     `json:"entities"`
	Relationships         int     `json:"relationships"`
	Conversations         int     `json:"conversations"`
	OrphanEntities        int     `json:"orphan_entities"`
	DanglingRelationships int     `json:"dangling_relationships"`
	AvgMentions           float64 `json:"avg_mentions"`
}

// Graph is the in-process store. Entities are keyed by case-folded name, so
// repeated extraction of the same entity merges instead of duplicating.
type Graph struct {
	logger *observability.Logger
	now    func() time.Time

	mu            sync.RWMutex
	entities      map[string]*Entity
	relationships []Relationship
	conversations map[string]Conversation
}

// Option configures the graph.
type Option func(*Graph)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGraph creates an empty graph.
func NewGraph(logger *observability.Logger, opts ...Option) *Graph {
	g := &Graph{
		logger:        logger,
		now:           time.Now,
		entities:      make(map[string]*Entity),
		conversations: make(map[string]Conversation),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func entityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateConversation stores an exchange pair and returns its id.
func (g *Graph) CreateConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = g.now().UTC()
	}
	g.mu.Lock()
	g.conversations[c.ID] = c
	g.mu.Unlock()
	return c.ID, nil
}

// CreateEntity inserts or merges by name. Merging bumps the mention count
// and keeps the longer description.
func (g *Graph) CreateEntity(ctx context.Context, e Entity) (string, error) {
	key := entityKey(e.Name)
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.entities[key]; ok {
		existing.Mentions++
		existing.UpdatedAt = now
		if len(e.Description) > len(existing.Description) {
			existing.Description = e.Description
		}
		if existing.Type == "" {
			existing.Type = e.Type
		}
		return existing.ID, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Mentions == 0 {
		e.Mentions = 1
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	g.entities[key] = &e
	return e.ID, nil
}

// CreateRelationship stores one edge. Both endpoints may be unknown; the
// quality monitor reports dangling edges rather than rejecting them here.
func (g *Graph) CreateRelationship(ctx context.Context, r Relationship) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = g.now().UTC()
	}
	g.mu.Lock()
	g.relationships = append(g.relationships, r)
	g.mu.Unlock()
	return nil
}

// QueryMemory returns entities whose name, type, or description contains the
// query, most-mentioned first.
func (g *Graph) QueryMemory(ctx context.Context, query string, limit int) ([]Entity, error) {
	needle := strings.ToLower(strings.TrimSpace(query))

	g.mu.RLock()
	var out []Entity
	for _, e := range g.entities {
		if needle == "" ||
			strings.Contains(strings.ToLower(e.Name), needle) ||
			strings.Contains(strings.ToLower(e.Type), needle) ||
			strings.Contains(strings.ToLower(e.Description), needle) {
			out = append(out, *e)
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].Mentions != out[k].Mentions {
			return out[i].Mentions > out[k].Mentions
		}
		return out[i].Name < out[k].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetUserInterests ranks entities by mention count.
func (g *Graph) GetUserInterests(ctx context.Context, limit int) ([]Interest, error) {
	entities, err := g.QueryMemory(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]Interest, 0, len(entities))
	for _, e := range entities {
		out = append(out, Interest{Name: e.Name, Type: e.Type, Mentions: e.Mentions})
	}
	return out, nil
}

// HealthReport walks the graph and counts structural defects.
func (g *Graph) HealthReport(ctx context.Context) Health {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h := Health{
		Entities:      len(g.entities),
		Relationships: len(g.relationships),
		Conversations: len(g.conversations),
	}

	connected := make(map[string]bool)
	for _, r := range g.relationships {
		from, to := entityKey(r.From), entityKey(r.To)
		if _, ok := g.entities[from]; !ok {
			h.DanglingRelationships++
		} else {
			connected[from] = true
		}
		if _, ok := g.entities[to]; !ok {
			h.DanglingRelationships++
		} else {
			connected[to] = true
		}
	}

	total := 0
	for key, e := range g.entities {
		total += e.Mentions
		if !connected[key] {
			h.OrphanEntities++
		}
	}
	if h.Entities > 0 {
		h.AvgMentions = float64(total) / float64(h.Entities)
	}
	return h
}
