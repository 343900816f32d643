// Package graphdb mirrors rendered dependency graphs into Neo4j and
// answers impact and orphan queries in Cypher. The mirror is optional:
// callers fall back to the in-memory query engine when it is not
// configured.
package graphdb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/reactflow"
)

// batchSize bounds UNWIND parameter lists so a large graph does not
// turn into one oversized statement.
const batchSize = 1000

// Mirror is a Neo4j-backed copy of per-project dependency graphs.
type Mirror struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// Connect builds a driver, verifies connectivity and returns the
// mirror. Database defaults to "neo4j".
func Connect(ctx context.Context, uri, user, password, database string) (*Mirror, error) {
	if uri == "" || user == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%q, user=%q", uri, user)
	}
	if database == "" {
		database = "neo4j"
	}
	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(user, password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 50
			config.ConnectionAcquisitionTimeout = 60 * time.Second
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %s: %w", uri, err)
	}

	logger := logging.Component("graphdb")
	logger.Info("neo4j mirror connected", "uri", uri, "database", database)
	return &Mirror{driver: driver, database: database, logger: logger}, nil
}

// Close releases the driver.
func (m *Mirror) Close(ctx context.Context) error {
	if err := m.driver.Close(ctx); err != nil {
		return fmt.Errorf("close neo4j driver: %w", err)
	}
	return nil
}

// HealthCheck verifies connectivity, for the server's health endpoint.
func (m *Mirror) HealthCheck(ctx context.Context) error {
	if err := m.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j health check: %w", err)
	}
	return nil
}

// Replace swaps the project's mirrored graph for the given document in
// one transaction: clear, then MERGE nodes, then MERGE relationships.
// Cluster background nodes are not mirrored.
func (m *Mirror) Replace(ctx context.Context, projectID string, doc *reactflow.Document) error {
	nodes := nodeRows(doc)
	edges := edgeRows(doc)

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := runAll(ctx, tx,
			`MATCH (n:AnatomyNode {project_id: $project_id}) DETACH DELETE n`,
			map[string]any{"project_id": projectID}); err != nil {
			return nil, fmt.Errorf("clear mirrored graph: %w", err)
		}
		for start := 0; start < len(nodes); start += batchSize {
			batch := nodes[start:min(start+batchSize, len(nodes))]
			err := runAll(ctx, tx, `
				UNWIND $nodes AS node
				MERGE (n:AnatomyNode {id: node.id, project_id: $project_id})
				SET n.label = node.label, n.kind = node.kind,
				    n.code = node.code, n.orphan = node.orphan,
				    n.pos_x = node.pos_x, n.pos_y = node.pos_y`,
				map[string]any{"project_id": projectID, "nodes": batch})
			if err != nil {
				return nil, fmt.Errorf("mirror nodes: %w", err)
			}
		}
		for start := 0; start < len(edges); start += batchSize {
			batch := edges[start:min(start+batchSize, len(edges))]
			err := runAll(ctx, tx, `
				UNWIND $edges AS edge
				MATCH (a:AnatomyNode {id: edge.source, project_id: $project_id})
				MATCH (b:AnatomyNode {id: edge.target, project_id: $project_id})
				MERGE (a)-[r:RELATES_TO {relation: edge.relation}]->(b)`,
				map[string]any{"project_id": projectID, "edges": batch})
			if err != nil {
				return nil, fmt.Errorf("mirror relationships: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("graph mirrored",
		"project_id", projectID, "nodes", len(nodes), "edges", len(edges))
	return nil
}

// Clear removes the project's mirrored graph.
func (m *Mirror) Clear(ctx context.Context, projectID string) error {
	_, err := neo4j.ExecuteQuery(ctx, m.driver,
		`MATCH (n:AnatomyNode {project_id: $project_id}) DETACH DELETE n`,
		map[string]any{"project_id": projectID},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(m.database))
	if err != nil {
		return fmt.Errorf("clear mirrored graph: %w", err)
	}
	return nil
}

// Document reads the project's mirrored graph back in React Flow form.
// Returns nil when nothing is mirrored. Positions survive the round
// trip; cluster backgrounds do not, they are a layout artifact.
func (m *Mirror) Document(ctx context.Context, projectID string) (*reactflow.Document, error) {
	nodes, err := m.read(ctx, `
		MATCH (n:AnatomyNode {project_id: $project_id})
		RETURN n.id AS id, n.label AS label, n.kind AS kind, n.code AS code,
		       n.orphan AS orphan, n.pos_x AS pos_x, n.pos_y AS pos_y
		ORDER BY id`,
		map[string]any{"project_id": projectID})
	if err != nil {
		return nil, fmt.Errorf("read mirrored nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	doc := &reactflow.Document{Nodes: make([]reactflow.Node, 0, len(nodes)), Edges: []reactflow.Edge{}}
	for _, rec := range nodes {
		id := recString(rec, "id")
		label := recString(rec, "label")
		if label == "" {
			label = id
		}
		kind := recString(rec, "kind")
		if kind == "" {
			kind = "node"
		}
		doc.Nodes = append(doc.Nodes, reactflow.Node{
			ID:   id,
			Type: "default",
			Position: reactflow.Position{
				X: recFloat(rec, "pos_x"),
				Y: recFloat(rec, "pos_y"),
			},
			Data: reactflow.NodeData{
				Label:  label,
				Kind:   kind,
				Code:   recString(rec, "code"),
				Orphan: recBool(rec, "orphan"),
			},
		})
	}

	edges, err := m.read(ctx, `
		MATCH (a:AnatomyNode {project_id: $project_id})-[r:RELATES_TO]->(b:AnatomyNode {project_id: $project_id})
		RETURN a.id AS source, b.id AS target, r.relation AS relation
		ORDER BY source, target, relation`,
		map[string]any{"project_id": projectID})
	if err != nil {
		return nil, fmt.Errorf("read mirrored relationships: %w", err)
	}
	for _, rec := range edges {
		source := recString(rec, "source")
		target := recString(rec, "target")
		relation := recString(rec, "relation")
		if relation == "" {
			relation = "uses"
		}
		doc.Edges = append(doc.Edges, reactflow.Edge{
			ID:     graph.EdgeID(source, target),
			Source: source,
			Target: target,
			Data:   reactflow.EdgeData{Relation: relation},
		})
	}
	return doc, nil
}

// Impact walks RELATES_TO paths from the node and returns hop counts
// per reached node, the start included at hop zero. maxHops of zero or
// less means unbounded. Unknown nodes return graph.ErrNodeNotFound.
func (m *Mirror) Impact(ctx context.Context, projectID, nodeID string, dir graph.Direction, maxHops int) (graph.Reach, error) {
	params := map[string]any{"project_id": projectID, "id": nodeID}

	found, err := m.read(ctx,
		`MATCH (n:AnatomyNode {id: $id, project_id: $project_id}) RETURN count(n) AS found`,
		params)
	if err != nil {
		return nil, fmt.Errorf("impact query: %w", err)
	}
	if len(found) == 0 || recInt(found[0], "found") == 0 {
		return nil, graph.ErrNodeNotFound
	}

	query := fmt.Sprintf(`
		MATCH (start:AnatomyNode {id: $id, project_id: $project_id})
		MATCH p = %s
		WHERE n.project_id = $project_id
		RETURN n.id AS id, min(length(p)) AS hops`, pathPattern(dir, maxHops))
	records, err := m.read(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("impact query: %w", err)
	}

	reach := graph.Reach{nodeID: 0}
	for _, rec := range records {
		id := recString(rec, "id")
		if id == nodeID {
			// A cycle back to the start never overrides hop zero.
			continue
		}
		reach[id] = int(recInt(rec, "hops"))
	}
	return reach, nil
}

// Orphans returns the ids of mirrored nodes with no relationships in
// either direction, sorted.
func (m *Mirror) Orphans(ctx context.Context, projectID string) ([]string, error) {
	records, err := m.read(ctx, `
		MATCH (n:AnatomyNode {project_id: $project_id})
		WHERE NOT (n)-[:RELATES_TO]-()
		RETURN n.id AS id
		ORDER BY id`,
		map[string]any{"project_id": projectID})
	if err != nil {
		return nil, fmt.Errorf("orphans query: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, recString(rec, "id"))
	}
	return ids, nil
}

func (m *Mirror) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	result, err := neo4j.ExecuteQuery(ctx, m.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(m.database),
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func runAll(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) error {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

// pathPattern renders the variable-length match for one direction.
// Hop bounds cannot be parameters in Cypher, so the bound is printed
// into the pattern.
func pathPattern(dir graph.Direction, maxHops int) string {
	bound := ""
	if maxHops > 0 {
		bound = strconv.Itoa(maxHops)
	}
	if dir == graph.Upstream {
		return fmt.Sprintf("(start)<-[:RELATES_TO*1..%s]-(n)", bound)
	}
	return fmt.Sprintf("(start)-[:RELATES_TO*1..%s]->(n)", bound)
}

// nodeRows converts graph nodes to UNWIND parameters, skipping cluster
// backgrounds. An empty code maps to null so the property is absent
// rather than blank.
func nodeRows(doc *reactflow.Document) []map[string]any {
	var rows []map[string]any
	for _, n := range doc.Nodes {
		data, ok := n.Data.(reactflow.NodeData)
		if !ok {
			continue
		}
		var code any
		if data.Code != "" {
			code = data.Code
		}
		rows = append(rows, map[string]any{
			"id":     n.ID,
			"label":  data.Label,
			"kind":   data.Kind,
			"code":   code,
			"orphan": data.Orphan,
			"pos_x":  n.Position.X,
			"pos_y":  n.Position.Y,
		})
	}
	return rows
}

func edgeRows(doc *reactflow.Document) []map[string]any {
	rows := make([]map[string]any, 0, len(doc.Edges))
	for _, e := range doc.Edges {
		if e.Source == "" || e.Target == "" {
			continue
		}
		relation := e.Data.Relation
		if relation == "" {
			relation = "uses"
		}
		rows = append(rows, map[string]any{
			"source":   e.Source,
			"target":   e.Target,
			"relation": relation,
		})
	}
	return rows
}

func recString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recBool(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)
	return b
}

func recInt(rec *neo4j.Record, key string) int64 {
	v, _ := rec.Get(key)
	n, _ := v.(int64)
	return n
}

func recFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch f := v.(type) {
	case float64:
		return f
	case int64:
		return float64(f)
	}
	return 0
}
