package experts

import (
	"context"
	"strings"

	"github.com/merlt/merlt-backend/internal/domain"
)

// Tool names the experts may call during the reasoning loop.
const (
	ToolSemanticSearch  = "semantic_search"
	ToolGraphTraverse   = "graph_traverse"
	ToolFetchCitations  = "fetch_citations"
	ToolFetchPrinciples = "fetch_principles"
)

type toolSpec struct {
	Name        string
	Requires    []string
	Description string
}

var toolRegistry = map[string]toolSpec{
	ToolSemanticSearch: {
		Name:        ToolSemanticSearch,
		Requires:    []string{"query"},
		Description: "Semantic search over indexed legal chunks. Arguments: query (string).",
	},
	ToolGraphTraverse: {
		Name:        ToolGraphTraverse,
		Requires:    []string{"start_node", "relation_types"},
		Description: "Follow relations out of a graph node. Arguments: start_node (string), relation_types (array of relation names).",
	},
	ToolFetchCitations: {
		Name:        ToolFetchCitations,
		Requires:    []string{"norm_id"},
		Description: "Fetch case law interpreting, overruling or citing a norm. Arguments: norm_id (string).",
	},
	ToolFetchPrinciples: {
		Name:        ToolFetchPrinciples,
		Requires:    []string{"concept_id"},
		Description: "Fetch constitutional principles balanced against or implemented by a concept. Arguments: concept_id (string).",
	},
}

// citation-style tools are fixed-relation traversals.
var toolRelations = map[string][]string{
	ToolFetchCitations:  {domain.RelationInterprets, domain.RelationOverrules, domain.RelationCites},
	ToolFetchPrinciples: {domain.RelationBalances, domain.RelationImplements},
}

func toolAllowed(profile Profile, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range profile.Tools {
		if t == name {
			return true
		}
	}
	return false
}

func missingToolArgs(spec toolSpec, args map[string]any) []string {
	var missing []string
	for _, key := range spec.Requires {
		v, ok := args[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Evidence is one retrieved item, already scored.
type Evidence struct {
	ID       string
	Title    string
	Text     string
	Relation string
	Score    float64
}

// Searcher is the semantic-search retrieval agent.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Evidence, error)
}

// Traverser is the graph retrieval agent. Scores come back already
// multiplied by the supplied per-relation weights.
type Traverser interface {
	Traverse(ctx context.Context, startNode string, relationTypes []string, weights map[string]float64, limit int) ([]Evidence, error)
}
