package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// VectorStore is the semantic-search surface the experts retrieve through.
type VectorStore interface {
	// QueryMatches returns chunk matches with their similarity scores
	// (higher is better) and metadata.
	QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error)
}

type VectorMatch struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

type vectorStore struct {
	log        *logger.Logger
	http       *http.Client
	apiKey     string
	apiVersion string
	indexHost  string
	nsPrefix   string
}

func NewVectorStore(log *logger.Logger) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("PINECONE_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing PINECONE_API_KEY")
	}
	host := strings.TrimSpace(os.Getenv("PINECONE_INDEX_HOST"))
	if host == "" {
		return nil, fmt.Errorf("missing PINECONE_INDEX_HOST")
	}
	return &vectorStore{
		log:        log.With("service", "PineconeVectorStore"),
		http:       &http.Client{Timeout: envutil.Duration("PINECONE_TIMEOUT", 30*time.Second)},
		apiKey:     apiKey,
		apiVersion: envutil.String("PINECONE_API_VERSION", "2025-10"),
		indexHost:  host,
		nsPrefix:   envutil.String("PINECONE_NAMESPACE_PREFIX", "merlt"),
	}, nil
}

type queryRequest struct {
	Namespace       string         `json:"namespace,omitempty"`
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	Filter          map[string]any `json:"filter,omitempty"`
	IncludeMetadata bool           `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"matches"`
}

func (s *vectorStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error) {
	if len(q) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if topK <= 0 {
		topK = 10
	}

	reqBody := queryRequest{
		Namespace:       s.qualifyNamespace(namespace),
		Vector:          q,
		TopK:            topK,
		Filter:          filter,
		IncludeMetadata: true,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+s.indexHost+"/query", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-Api-Version", s.apiVersion)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pinecone http %d: %s", resp.StatusCode, string(raw))
	}

	var parsed queryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("pinecone decode error: %w", err)
	}

	out := make([]VectorMatch, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		out = append(out, VectorMatch{ID: m.ID, Score: m.Score, Metadata: m.Metadata})
	}
	return out, nil
}

func (s *vectorStore) qualifyNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return s.nsPrefix
	}
	if s.nsPrefix == "" {
		return ns
	}
	return s.nsPrefix + ":" + ns
}
