package classify

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NextJS covers Next.js apps on both the App Router and the Pages Router.
func NextJS() *ProjectType {
	return &ProjectType{
		Name:        "nextjs",
		Detect:      detectNextJS,
		Extensions:  []string{".ts", ".tsx", ".js", ".jsx"},
		ExcludeDirs: []string{"node_modules", ".next", "dist", "build", ".git"},
		Classify:    classifyNextJS,
		Variants: []Variant{
			{Name: "pages", BuildPrompt: nextPagePrompt, CodeKind: "page"},
			{Name: "api_routes", BuildPrompt: nextAPIRoutePrompt, CodeKind: "api_route"},
			{Name: "components", BuildPrompt: nextComponentPrompt, CodeKind: "component"},
		},
	}
}

func detectNextJS(root string) bool {
	if deps := packageDeps(root); deps != nil {
		if _, ok := deps["next"]; ok {
			return true
		}
	}
	return isDir(filepath.Join(root, "app")) || isDir(filepath.Join(root, "pages"))
}

func classifyNextJS(files []string, base string) map[string][]string {
	out := make(map[string][]string)
	for _, fp := range files {
		rel := relSlash(fp, base)
		parts := strings.Split(rel, "/")
		if len(parts) == 0 {
			continue
		}
		last := parts[len(parts)-1]
		switch parts[0] {
		case "app":
			if hasPart(parts, "api") && isNextRouteFile(last) {
				out["api_routes"] = append(out["api_routes"], fp)
				continue
			}
			if isNextPageFile(last) {
				out["pages"] = append(out["pages"], fp)
				continue
			}
		case "pages":
			if len(parts) > 1 && parts[1] == "api" {
				out["api_routes"] = append(out["api_routes"], fp)
				continue
			}
			if hasScriptExt(last) {
				out["pages"] = append(out["pages"], fp)
				continue
			}
		case "components":
			out["components"] = append(out["components"], fp)
		}
	}
	return out
}

func isNextRouteFile(name string) bool {
	switch name {
	case "route.ts", "route.tsx", "route.js", "route.jsx":
		return true
	}
	return false
}

func isNextPageFile(name string) bool {
	switch name {
	case "page.tsx", "page.ts", "page.jsx", "page.js":
		return true
	}
	return false
}

func hasScriptExt(name string) bool {
	for _, ext := range []string{".tsx", ".ts", ".jsx", ".js"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func nextPagePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Next.js codebase. Given a database schema (JSON) and a page file (App Router or Pages Router), extract the dependency graph.

Database schema:
%s

Page file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "page:path/name", "label": "display name", "kind": "page" },
    { "id": "api_route:path", "label": "path", "kind": "api_route" },
    { "id": "component:Name", "label": "Name", "kind": "component" },
    { "id": "table:name", "label": "name", "kind": "table" }
  ],
  "edges": [
    { "from": "node_id", "to": "node_id", "relation": "uses" | "calls" | "fetches" }
  ]
}

Rules:
- kind must be one of: page, api_route, component, table
- id for page: page:<route-path> (e.g. page:dashboard, page:users/[id]). Infer from file path (app/dashboard/page.tsx -> page:dashboard).
- id for api_route: api_route:<path> (e.g. api_route:api/users). Infer from file path (app/api/users/route.ts -> api_route:api/users).
- Only include nodes and edges you can infer from this page file and the schema.
- If the page fetches from an API route or uses components, add edges with relation "calls" or "uses".
`, schemaJSON, fenced(code))
}

func nextAPIRoutePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Next.js API route. Given a database schema (JSON) and the route handler code, extract the dependency graph.

Database schema:
%s

API route file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "api_route:path", "label": "path", "kind": "api_route" },
    { "id": "table:name", "label": "name", "kind": "table" }
  ],
  "edges": [
    { "from": "api_route:path", "to": "table:name", "relation": "reads" | "writes" }
  ]
}

Rules:
- kind must be api_route and table only.
- id for api_route: api_route:<path> inferred from file path (e.g. app/api/users/route.ts -> api_route:api/users).
- Only include nodes and edges you can infer from this file and the schema.
`, schemaJSON, fenced(code))
}

func nextComponentPrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a Next.js component. Given a database schema (JSON) and the component file, extract the dependency graph.

Database schema:
%s

Component file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "component:Name", "label": "Name", "kind": "component" },
    { "id": "component:ChildName", "label": "ChildName", "kind": "component" }
  ],
  "edges": [
    { "from": "node_id", "to": "node_id", "relation": "uses" }
  ]
}

Rules:
- kind must be "component" only.
- id: component:<ComponentName> from the exported component name or file name.
- If this component imports and uses other components, add edges with relation "uses".
- Only include nodes and edges you can infer from this file.
`, schemaJSON, fenced(code))
}
