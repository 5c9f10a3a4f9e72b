package neo4jdb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

// Client wraps the driver for the legal knowledge graph.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *logger.Logger
}

// GraphNode is one traversal result, already weighted.
type GraphNode struct {
	ID       string
	Label    string
	Relation string
	Excerpt  string
	// Score is the raw relation score multiplied by the expert's learned
	// traversal weight for the relation type.
	Score float64
}

func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("neo4jdb: logger required")
	}

	uri := strings.TrimSpace(os.Getenv("NEO4J_URI"))
	if uri == "" {
		return nil, nil
	}

	user := envutil.String("NEO4J_USER", "neo4j")
	password := strings.TrimSpace(os.Getenv("NEO4J_PASSWORD"))
	database := strings.TrimSpace(os.Getenv("NEO4J_DATABASE"))
	timeout := time.Duration(envutil.Int("NEO4J_TIMEOUT_SECONDS", 10)) * time.Second
	maxPool := envutil.Int("NEO4J_MAX_POOL_SIZE", 50)

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""), func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = maxPool
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: init driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jdb: verify connectivity: %w", err)
	}

	return &Client{
		Driver:   driver,
		Database: database,
		log:      log.With("client", "Neo4jDB"),
	}, nil
}

// Traverse follows the given relation types out of startNode and returns
// neighbors ranked by relation score times the caller's per-relation weight.
// Relation types with no weight entry default to 1.
func (c *Client) Traverse(ctx context.Context, startNode string, relationTypes []string, weights map[string]float64, limit int) ([]GraphNode, error) {
	if c == nil || c.Driver == nil {
		return nil, fmt.Errorf("neo4jdb: client not initialized")
	}
	startNode = strings.TrimSpace(startNode)
	if startNode == "" || len(relationTypes) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.Database,
	})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (s {id: $start})-[r]->(n)
WHERE type(r) IN $types
RETURN n.id AS id, coalesce(n.label, n.reference, '') AS label,
       type(r) AS relation, coalesce(n.excerpt, '') AS excerpt,
       coalesce(r.score, 1.0) AS score
`, map[string]any{
			"start": startNode,
			"types": relationTypes,
		})
		if err != nil {
			return nil, err
		}
		var out []GraphNode
		for res.Next(ctx) {
			rec := res.Record()
			node := GraphNode{}
			if v, ok := rec.Get("id"); ok {
				node.ID, _ = v.(string)
			}
			if v, ok := rec.Get("label"); ok {
				node.Label, _ = v.(string)
			}
			if v, ok := rec.Get("relation"); ok {
				node.Relation, _ = v.(string)
			}
			if v, ok := rec.Get("excerpt"); ok {
				node.Excerpt, _ = v.(string)
			}
			if v, ok := rec.Get("score"); ok {
				switch s := v.(type) {
				case float64:
					node.Score = s
				case int64:
					node.Score = float64(s)
				}
			}
			out = append(out, node)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: traverse %s: %w", startNode, err)
	}

	nodes := rows.([]GraphNode)
	for i := range nodes {
		w, ok := weights[nodes[i].Relation]
		if !ok {
			w = 1.0
		}
		nodes[i].Score *= w
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}
