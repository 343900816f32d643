package classify

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Express covers plain Express apps. Only route and middleware files are
// analyzed; NestJS projects also depend on express, so the detector defers
// to the NestJS descriptor when @nestjs/core is present.
func Express() *ProjectType {
	return &ProjectType{
		Name:        "express",
		Detect:      detectExpress,
		Extensions:  []string{".js", ".ts"},
		ExcludeDirs: []string{"node_modules", "dist", "build", ".git"},
		Classify:    classifyExpress,
		Variants: []Variant{
			{Name: "routes", BuildPrompt: expressRoutePrompt, CodeKind: "express_route"},
			{Name: "middleware", BuildPrompt: expressMiddlewarePrompt, CodeKind: "middleware"},
		},
	}
}

func detectExpress(root string) bool {
	deps := packageDeps(root)
	if deps == nil {
		return false
	}
	if _, ok := deps["@nestjs/core"]; ok {
		return false
	}
	_, ok := deps["express"]
	return ok
}

// classifyExpress picks up middleware directories, the routes tree, files
// with "route" in the path and the usual entrypoints. Everything else is
// skipped.
func classifyExpress(files []string, base string) map[string][]string {
	out := make(map[string][]string)
	for _, fp := range files {
		rel := relSlash(fp, base)
		parts := strings.Split(rel, "/")
		if hasPart(parts, "middleware") || hasPart(parts, "middlewares") {
			out["middleware"] = append(out["middleware"], fp)
			continue
		}
		if len(parts) > 0 && parts[0] == "routes" {
			out["routes"] = append(out["routes"], fp)
			continue
		}
		if strings.Contains(strings.ToLower(rel), "route") &&
			(strings.HasSuffix(rel, ".js") || strings.HasSuffix(rel, ".ts")) {
			out["routes"] = append(out["routes"], fp)
			continue
		}
		switch strings.ToLower(filepath.Base(fp)) {
		case "app.js", "app.ts", "index.js", "index.ts", "server.js", "server.ts":
			out["routes"] = append(out["routes"], fp)
		}
	}
	return out
}

func expressRoutePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing an Express.js codebase. Given a database schema (JSON) and a route/handler file, extract the dependency graph.

Database schema:
%s

Route file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "express_route:method:path", "label": "METHOD path", "kind": "express_route" },
    { "id": "table:name", "label": "name", "kind": "table" },
    { "id": "middleware:name", "label": "name", "kind": "middleware" }
  ],
  "edges": [
    { "from": "node_id", "to": "node_id", "relation": "uses" | "calls" | "reads" | "writes" }
  ]
}

Rules:
- kind must be one of: express_route, table, middleware
- id for express_route: express_route:GET:/api/users or express_route:POST:/api/orders (method:path). Infer from app.get, app.post, router.get, router.post, etc.
- id for table: table:<name> from schema.
- Only include nodes and edges you can infer from this file and the schema.
`, schemaJSON, fenced(code))
}

func expressMiddlewarePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing an Express.js codebase. Given a database schema (JSON) and a middleware file, extract the dependency graph.

Database schema:
%s

Middleware file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "middleware:Name", "label": "Name", "kind": "middleware" }
  ],
  "edges": []
}

Rules:
- kind must be "middleware" only.
- id: middleware:<Name> from the exported function or file name.
- Only include nodes you can infer from this file.
`, schemaJSON, fenced(code))
}
