// Package reactflow converts merged dependency graphs into the JSON
// document the rendering UI consumes. Node and edge shapes, id formats
// and the layout constants are a compatibility surface shared with the
// frontend; change them only together.
package reactflow

import (
	"encoding/json"
	"io"

	"github.com/codeanatomy/codeanatomy/internal/graph"
)

// Position is a React Flow coordinate, the top-left corner of the node
// box.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one rendered node. Data holds NodeData for graph nodes and
// ClusterData for the background boxes drawn behind each cluster.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     any      `json:"data"`
}

// NodeData field order matches what the UI has always received.
type NodeData struct {
	Label          string  `json:"label"`
	Kind           string  `json:"kind"`
	Orphan         bool    `json:"orphan"`
	ClusterID      string  `json:"clusterId,omitempty"`
	Code           string  `json:"code,omitempty"`
	FilePath       string  `json:"file_path,omitempty"`
	ControllerPath string  `json:"controller_path,omitempty"`
	MethodName     *string `json:"method_name,omitempty"`
}

// ClusterData sizes a background box.
type ClusterData struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label"`
}

// Edge is one rendered edge. The id is "<source>-><target>"; parallel
// edges with different relations share it, which the UI tolerates.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Data   EdgeData `json:"data"`
}

// EdgeData labels the relation an edge renders.
type EdgeData struct {
	Relation string `json:"relation"`
}

// Document is the full export payload: cluster backgrounds first, then
// graph nodes, then edges.
type Document struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// EncodeJSON writes the document two-space indented and without HTML
// escaping, the format the exported .graph.json files use.
func (d *Document) EncodeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// Export lays the graph out in clusters and renders the document.
func Export(g *graph.Graph) *Document {
	doc := &Document{
		Nodes: layoutByClusters(g),
		Edges: make([]Edge, 0, g.EdgeCount()),
	}
	for _, e := range g.Edges() {
		relation := e.Relation
		if relation == "" {
			relation = "uses"
		}
		doc.Edges = append(doc.Edges, Edge{
			ID:     graph.EdgeID(e.Source, e.Target),
			Source: e.Source,
			Target: e.Target,
			Data:   EdgeData{Relation: relation},
		})
	}
	return doc
}
