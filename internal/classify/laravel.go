package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Laravel covers classic MVC Laravel apps: controllers, Eloquent models,
// route files and Blade views each get their own prompt.
func Laravel() *ProjectType {
	return &ProjectType{
		Name:        "laravel",
		Detect:      detectLaravel,
		Extensions:  []string{".php", ".blade.php"},
		ExcludeDirs: []string{"vendor", "node_modules", "coverage"},
		Classify:    classifyLaravel,
		Variants: []Variant{
			{Name: "controllers", BuildPrompt: laravelControllerPrompt, CodeKind: "controller"},
			{Name: "models", BuildPrompt: laravelModelPrompt, CodeKind: "model"},
			{Name: "routes", BuildPrompt: laravelRoutesPrompt},
			{Name: "views", BuildPrompt: laravelViewsPrompt, CodeKind: "view"},
		},
	}
}

// detectLaravel accepts roots whose composer.json requires laravel/framework
// or that carry the conventional app directories.
func detectLaravel(root string) bool {
	if data, err := os.ReadFile(filepath.Join(root, "composer.json")); err == nil {
		var composer struct {
			Require    map[string]string `json:"require"`
			RequireDev map[string]string `json:"require-dev"`
		}
		if json.Unmarshal(data, &composer) == nil {
			if _, ok := composer.Require["laravel/framework"]; ok {
				return true
			}
			if _, ok := composer.RequireDev["laravel/framework"]; ok {
				return true
			}
		}
	}
	for _, sub := range []string{"app/Http/Controllers", "app/Models", "routes"} {
		if isDir(filepath.Join(root, sub)) {
			return true
		}
	}
	return false
}

// classifyLaravel buckets by path convention. Anything that matches no rule
// is treated as a controller, which mirrors how legacy PHP files are spread
// around Laravel codebases.
func classifyLaravel(files []string, base string) map[string][]string {
	out := make(map[string][]string)
	for _, fp := range files {
		rel := relSlash(fp, base)
		parts := strings.Split(rel, "/")
		switch {
		case strings.HasSuffix(fp, ".blade.php") && hasPart(parts, "views"):
			out["views"] = append(out["views"], fp)
		case hasPart(parts, "Models"):
			out["models"] = append(out["models"], fp)
		case len(parts) >= 1 && parts[0] == "routes" && strings.HasSuffix(fp, ".php"):
			out["routes"] = append(out["routes"], fp)
		case hasPart(parts, "Controllers") || hasPart(parts, "Http"):
			out["controllers"] = append(out["controllers"], fp)
		default:
			out["controllers"] = append(out["controllers"], fp)
		}
	}
	return out
}

func laravelControllerPrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a legacy codebase. Given a database schema (JSON) and a controller file content, extract the dependency graph.

Database schema:
%s

Controller file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "unique_id", "label": "display name", "kind": "table" },
    { "id": "unique_id", "label": "display name", "kind": "model" },
    { "id": "unique_id", "label": "display name", "kind": "controller" },
    { "id": "unique_id", "label": "display name", "kind": "route" },
    { "id": "view:dot.path", "label": "dot.path", "kind": "view" }
  ],
  "edges": [
    { "from": "node_id", "to": "node_id", "relation": "uses" | "maps_to" | "calls" | "renders" }
  ]
}

Rules:
- kind must be one of: table, model, controller, route, view
- For Laravel: link table -> model (maps_to), model -> controller (uses), controller -> route (calls). Use table names from the schema and infer model/controller/route names from the code.
- If the controller returns a view (e.g. return view('users.index') or view('users.show', ...)), add a node with kind "view", id "view:users.index" (dot path), and an edge from controller to that view with relation "renders".
- id must be unique (e.g. table:orders, model:Order, controller:OrderController, route:POST /api/orders, view:users.index).
- Only include nodes and edges you can infer from the schema and the controller code.
`, schemaJSON, fenced(code))
}

func laravelModelPrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Laravel codebase. Given a database schema (JSON) and an Eloquent MODEL file (app/Models/*.php), extract the dependency graph for this model only.

Database schema:
%s

Model file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "table:table_name", "label": "table_name", "kind": "table" },
    { "id": "model:ModelName", "label": "ModelName", "kind": "model" }
  ],
  "edges": [
    { "from": "table:table_name", "to": "model:ModelName", "relation": "maps_to" }
  ]
}

Rules:
- kind must be table or model only (no controller/route in model files).
- id: table:<name> and model:<ClassName>. Use table names from the schema; model name from the class.
- One model class maps to one table (maps_to). If the model uses $table, use that; else infer from class name (Order -> orders).
- Only include nodes and edges you can infer from this single model file and the schema.
`, schemaJSON, fenced(code))
}

func laravelRoutesPrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Laravel codebase. Given a database schema (JSON) and a ROUTES file (routes/*.php), extract the dependency graph: routes and which controllers they call.

Database schema:
%s

Routes file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "controller:ControllerName", "label": "ControllerName", "kind": "controller" },
    { "id": "route:METHOD /path", "label": "METHOD /path", "kind": "route" }
  ],
  "edges": [
    { "from": "controller:ControllerName", "to": "route:METHOD /path", "relation": "calls" }
  ]
}

Rules:
- kind: controller and route only (no table/model in routes files).
- id: controller:<ClassName>, route:<METHOD> <path> (e.g. route:GET /api/orders, route:POST /api/orders).
- Edge: controller -> route with relation "calls" (the route calls/invokes the controller).
- Only include nodes and edges you can infer from this routes file.
`, schemaJSON, fenced(code))
}

// laravelViewsPrompt ignores the schema: Blade views never touch tables
// directly.
func laravelViewsPrompt(_, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Laravel Blade view. Given the view file content, extract the view identifier and any sub-views (includes/components).

View file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "view:dot.path.name", "label": "dot.path.name", "kind": "view" },
    ...
  ],
  "edges": [
    { "from": "view:parent", "to": "view:child", "relation": "includes" }
  ]
}

Rules:
- kind must be "view" only.
- id must be "view:<name>" where name is the Blade view name (e.g. view:users.index, view:components.alert). Infer from file path or @extends/@section.
- If the file @include or @component other views, add edges with relation "includes".
- Only include nodes and edges you can infer from this file.
`, fenced(code))
}
