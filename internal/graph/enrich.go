package graph

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Enrichment passes run after the pipeline has merged all fragments and
// before the graph is exported or persisted. They mutate the graph in
// place; at that point the run owns the accumulator exclusively.

var (
	importFromRe   = regexp.MustCompile(`from\s+['"]([^'"]+)['"]`)
	importBareRe   = regexp.MustCompile(`\bimport\s+['"]([^'"]+)['"]`)
	templateURLRe  = regexp.MustCompile(`templateUrl\s*:\s*['"]([^'"]+)['"]`)
	styleURLRe     = regexp.MustCompile(`styleUrl\s*:\s*['"]([^'"]+)['"]`)
	styleURLsRe    = regexp.MustCompile(`(?s)styleUrls?\s*:\s*\[([^\]]*)\]`)
	quotedSpecRe   = regexp.MustCompile(`['"]([^'"]+)['"]`)
	scriptExtRe    = regexp.MustCompile(`\.(ts|tsx|js|jsx|mjs|cjs)$`)
	scriptExtsList = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}
)

func hasScriptExt(p string) bool {
	for _, ext := range scriptExtsList {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// EnsureLocalImportEdges adds "imports" edges between module nodes when
// the source of one contains a local (./ or ../) import of another, and
// synthesizes view/style nodes for Angular templateUrl/styleUrls
// references. Extraction frequently omits these edges; the source text
// carried on the nodes is authoritative.
func EnsureLocalImportEdges(g *Graph) {
	for _, node := range g.NodesSorted() {
		if node.ID == "" || node.Code == "" || node.FilePath == "" {
			continue
		}
		if !hasScriptExt(node.FilePath) {
			continue
		}
		baseDir := path.Dir(node.FilePath)

		specs := make(map[string]bool)
		for _, m := range importFromRe.FindAllStringSubmatch(node.Code, -1) {
			specs[m[1]] = true
		}
		for _, m := range importBareRe.FindAllStringSubmatch(node.Code, -1) {
			specs[m[1]] = true
		}

		for spec := range specs {
			if !strings.HasPrefix(spec, ".") {
				continue // only imports that resolve inside the codebase
			}
			norm := path.Clean(path.Join(baseDir, spec))
			// Module node ids drop the script extension.
			targetID := "module:" + scriptExtRe.ReplaceAllString(norm, "")
			if _, ok := g.Nodes[targetID]; !ok {
				continue
			}
			g.AddEdge(node.ID, targetID, "imports")
		}

		for _, spec := range templateSpecs(node.Code) {
			ensureFileNode(g, node.ID, baseDir, spec, KindView, "template")
		}
		for _, spec := range styleSpecs(node.Code) {
			ensureFileNode(g, node.ID, baseDir, spec, KindStyle, "styles")
		}
	}
}

func templateSpecs(code string) []string {
	var specs []string
	if m := templateURLRe.FindStringSubmatch(code); m != nil {
		specs = append(specs, strings.TrimSpace(m[1]))
	}
	return specs
}

func styleSpecs(code string) []string {
	var specs []string
	if m := styleURLRe.FindStringSubmatch(code); m != nil {
		specs = append(specs, strings.TrimSpace(m[1]))
	}
	for _, m := range styleURLsRe.FindAllStringSubmatch(code, -1) {
		for _, q := range quotedSpecRe.FindAllStringSubmatch(m[1], -1) {
			specs = append(specs, strings.TrimSpace(q[1]))
		}
	}
	return specs
}

// ensureFileNode creates a file-backed node (view or style) referenced
// from a component and links it with the given relation.
func ensureFileNode(g *Graph, fromID, baseDir, spec string, kind Kind, relation string) {
	if spec == "" {
		return
	}
	rel := path.Clean(path.Join(baseDir, spec))
	nodeID := string(kind) + ":" + rel
	if _, ok := g.Nodes[nodeID]; !ok {
		g.AddNode(&Node{
			ID:       nodeID,
			Label:    path.Base(rel),
			Kind:     kind,
			FilePath: rel,
		})
	}
	g.AddEdge(fromID, nodeID, relation)
}

// FilterExternalNodes removes nodes that do not belong to the analyzed
// codebase. Kept: nodes with a file path, plus everything connected to
// them transitively in either direction (routes, tables and views have
// no file of their own but belong to the project). Everything outside
// that closure, typically framework and third-party references, is
// dropped together with its edges.
func FilterExternalNodes(g *Graph) {
	keep := make(map[string]bool)
	for id, n := range g.Nodes {
		if n.FilePath != "" {
			keep[id] = true
		}
	}
	edges := g.Edges()
	for changed := true; changed; {
		changed = false
		for _, e := range edges {
			if keep[e.Source] && !keep[e.Target] {
				keep[e.Target] = true
				changed = true
			}
			if keep[e.Target] && !keep[e.Source] {
				keep[e.Source] = true
				changed = true
			}
		}
	}
	for id := range g.Nodes {
		if !keep[id] {
			g.RemoveNode(id)
		}
	}
}

// InferKindFromPath maps a file path onto a node kind for nodes the
// extractor could only classify as generic modules.
func InferKindFromPath(filePath string) Kind {
	p := strings.ToLower(strings.ReplaceAll(filePath, "\\", "/"))
	switch {
	case strings.Contains(p, "/repository/") || strings.Contains(p, "/repositories/") ||
		strings.HasSuffix(p, ".repository.ts") || strings.HasSuffix(p, ".repository.js"):
		return KindRepository
	case strings.Contains(p, "/route/") || strings.Contains(p, "/routes/") || strings.Contains(p, ".routes."):
		return KindRoute
	case strings.Contains(p, "/middleware/") || strings.Contains(p, ".middleware."):
		return KindMiddleware
	case strings.Contains(p, "/domain/"):
		return KindEntity
	case strings.Contains(p, "/config/"):
		return KindAdapter
	case strings.Contains(p, "/auth/") || strings.Contains(p, "/service/") || strings.Contains(p, "/services/"):
		return KindService
	case strings.Contains(p, "/handler/") || strings.Contains(p, "/handlers/") ||
		strings.Contains(p, "/use-case/") || strings.Contains(p, "/usecase/"):
		return KindHandler
	default:
		return KindModule
	}
}

// ApplyInferredKinds refines nodes of kind module that carry a file
// path, reassigning the kind from path conventions.
func ApplyInferredKinds(g *Graph) {
	for _, n := range g.Nodes {
		if n.Kind == KindModule && n.FilePath != "" {
			n.Kind = InferKindFromPath(n.FilePath)
		}
	}
}

// FilterUnknownTables drops table nodes whose name is not present in
// the database schema, along with their edges. Extraction occasionally
// hallucinates tables; the introspected schema is the ground truth.
// Table names compare case-insensitively on the part after "kind:".
func FilterUnknownTables(g *Graph, validTables []string) {
	valid := make(map[string]bool, len(validTables))
	for _, t := range validTables {
		valid[strings.ToLower(t)] = true
	}
	for id, n := range g.Nodes {
		if n.Kind != KindTable {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(n.Name()))
		if !valid[name] {
			g.RemoveNode(id)
		}
	}
}

// AttachTableDDL replaces the code of every table node with the CREATE
// TABLE statement rendered from the database schema, keyed by lowercase
// table name. The schema is the ground truth for tables, so extracted
// snippets are overwritten. Tables missing from the map get a
// placeholder comment; schema filtering normally removes them first.
func AttachTableDDL(g *Graph, ddlByTable map[string]string) {
	for _, n := range g.Nodes {
		if n.Kind != KindTable {
			continue
		}
		name := strings.TrimSpace(n.Name())
		if ddl, ok := ddlByTable[strings.ToLower(name)]; ok && ddl != "" {
			n.Code = ddl
			continue
		}
		n.Code = fmt.Sprintf("-- Table '%s' not found in schema\nCREATE TABLE %s ();", name, name)
	}
}

// AttachRouteHandlers records, on every route node, the file path of a
// controller pointing at it plus the handling method name parsed from
// the route id ("controller.method" convention).
func AttachRouteHandlers(g *Graph) {
	for _, e := range g.Edges() {
		controller := g.Nodes[e.Source]
		route := g.Nodes[e.Target]
		if controller == nil || route == nil || route.Kind != KindRoute {
			continue
		}
		if controller.FilePath == "" {
			continue
		}
		route.SetAttr(AttrControllerPath, controller.FilePath)
		if _, method, ok := strings.Cut(route.ID, "."); ok {
			route.SetAttr(AttrMethodName, strings.TrimSpace(method))
		} else {
			route.SetAttr(AttrMethodName, "")
		}
	}
}

// MarkOrphans flags nodes with no incoming and no outgoing edges.
func MarkOrphans(g *Graph) {
	connected := make(map[string]bool)
	for _, e := range g.Edges() {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	for id, n := range g.Nodes {
		if connected[id] {
			delete(n.Attributes, AttrOrphan)
			continue
		}
		n.SetAttr(AttrOrphan, "true")
	}
}

// Enrich runs the full pass sequence on a merged graph, in the order the
// export expects. tables and ddlByTable come from the run's database
// schema; code-structure-only runs pass neither, which skips table
// filtering and leaves extracted table code untouched.
func Enrich(g *Graph, tables []string, ddlByTable map[string]string) {
	EnsureLocalImportEdges(g)
	FilterExternalNodes(g)
	ApplyInferredKinds(g)
	if len(tables) > 0 {
		FilterUnknownTables(g, tables)
	}
	MarkOrphans(g)
	AttachRouteHandlers(g)
	if len(ddlByTable) > 0 {
		AttachTableDDL(g, ddlByTable)
	}
}
