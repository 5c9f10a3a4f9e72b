package experts

import (
	"context"
	"fmt"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
	"github.com/merlt/merlt-backend/internal/platform/neo4jdb"
	"github.com/merlt/merlt-backend/internal/platform/openai"
	"github.com/merlt/merlt-backend/internal/platform/pinecone"
)

// SearchService embeds the query and runs it against the vector index.
type SearchService struct {
	ai    openai.Client
	store pinecone.VectorStore
	log   *logger.Logger
}

func NewSearchService(ai openai.Client, store pinecone.VectorStore, log *logger.Logger) (*SearchService, error) {
	if ai == nil || store == nil || log == nil {
		return nil, fmt.Errorf("experts: search service requires ai, store and logger")
	}
	return &SearchService{ai: ai, store: store, log: log.With("service", "SemanticSearch")}, nil
}

func (s *SearchService) Search(ctx context.Context, query string, topK int) ([]Evidence, error) {
	embs, err := s.ai.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	ns := envutil.String("PINECONE_NAMESPACE", "norms")
	matches, err := s.store.QueryMatches(ctx, ns, embs[0], topK, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := make([]Evidence, 0, len(matches))
	for _, m := range matches {
		ev := Evidence{ID: m.ID, Score: m.Score}
		if t, ok := m.Metadata["title"].(string); ok {
			ev.Title = t
		}
		if t, ok := m.Metadata["text"].(string); ok {
			ev.Text = t
		}
		out = append(out, ev)
	}
	return out, nil
}

// GraphService adapts the knowledge-graph client to the Traverser surface.
type GraphService struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewGraphService(client *neo4jdb.Client, log *logger.Logger) (*GraphService, error) {
	if client == nil || log == nil {
		return nil, fmt.Errorf("experts: graph service requires client and logger")
	}
	return &GraphService{client: client, log: log.With("service", "GraphTraversal")}, nil
}

func (g *GraphService) Traverse(ctx context.Context, startNode string, relationTypes []string, weights map[string]float64, limit int) ([]Evidence, error) {
	nodes, err := g.client.Traverse(ctx, startNode, relationTypes, weights, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Evidence, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Evidence{
			ID:       n.ID,
			Title:    n.Label,
			Text:     n.Excerpt,
			Relation: n.Relation,
			Score:    n.Score,
		})
	}
	return out, nil
}
