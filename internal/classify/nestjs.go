package classify

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NestJS covers NestJS apps, bucketing by the framework's file naming
// convention: *.controller.ts, *.service.ts and *.module.ts.
func NestJS() *ProjectType {
	return &ProjectType{
		Name:        "nestjs",
		Detect:      detectNestJS,
		Extensions:  []string{".ts", ".js"},
		ExcludeDirs: []string{"node_modules", "dist", "build", ".git"},
		Classify:    classifyNestJS,
		Variants: []Variant{
			{Name: "controllers", BuildPrompt: nestControllerPrompt, CodeKind: "controller"},
			{Name: "services", BuildPrompt: nestServicePrompt, CodeKind: "service"},
			{Name: "modules", BuildPrompt: nestModulePrompt, CodeKind: "module"},
		},
	}
}

func detectNestJS(root string) bool {
	deps := packageDeps(root)
	if deps == nil {
		return false
	}
	_, ok := deps["@nestjs/core"]
	return ok
}

func classifyNestJS(files []string, base string) map[string][]string {
	out := make(map[string][]string)
	for _, fp := range files {
		name := strings.ToLower(filepath.Base(fp))
		switch {
		case strings.HasSuffix(name, ".controller.ts") || strings.HasSuffix(name, ".controller.js"):
			out["controllers"] = append(out["controllers"], fp)
		case strings.HasSuffix(name, ".service.ts") || strings.HasSuffix(name, ".service.js"):
			out["services"] = append(out["services"], fp)
		case strings.HasSuffix(name, ".module.ts") || strings.HasSuffix(name, ".module.js"):
			out["modules"] = append(out["modules"], fp)
		}
	}
	return out
}

func nestControllerPrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a NestJS codebase. Given a database schema (JSON) and a controller file, extract the dependency graph.

Database schema:
%s

Controller file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "controller:ClassName", "label": "ClassName", "kind": "controller" },
    { "id": "service:ClassName", "label": "ClassName", "kind": "service" },
    { "id": "table:name", "label": "name", "kind": "table" }
  ],
  "edges": [
    { "from": "controller:ClassName", "to": "service:ClassName", "relation": "uses" },
    { "from": "service:ClassName", "to": "table:name", "relation": "reads" | "writes" }
  ]
}

Rules:
- kind must be one of: controller, service, table
- id for controller: controller:<ClassName> (e.g. controller:UsersController).
- id for service: service:<ClassName> (e.g. service:UsersService).
- id for table: table:<name> from schema.
- Controllers inject and use services; services may read/write tables. Add edges accordingly.
- Only include nodes and edges you can infer from this file and the schema.
`, schemaJSON, fenced(code))
}

func nestServicePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a NestJS codebase. Given a database schema (JSON) and a service file, extract the dependency graph.

Database schema:
%s

Service file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "service:ClassName", "label": "ClassName", "kind": "service" },
    { "id": "table:name", "label": "name", "kind": "table" }
  ],
  "edges": [
    { "from": "service:ClassName", "to": "table:name", "relation": "reads" | "writes" }
  ]
}

Rules:
- kind must be one of: service, table
- id for service: service:<ClassName> (e.g. service:UsersService).
- id for table: table:<name> from schema.
- Only include nodes and edges you can infer from this file and the schema.
`, schemaJSON, fenced(code))
}

func nestModulePrompt(schemaJSON, code, _ string) string {
	return fmt.Sprintf(`You are analyzing a NestJS codebase. Given a database schema (JSON) and a module file, extract the dependency graph.

Database schema:
%s

Module file content:
%s

Return a single JSON object with this exact structure (no markdown, no extra text):
{
  "nodes": [
    { "id": "module:ModuleName", "label": "ModuleName", "kind": "module" },
    { "id": "controller:ClassName", "label": "ClassName", "kind": "controller" },
    { "id": "service:ClassName", "label": "ClassName", "kind": "service" }
  ],
  "edges": [
    { "from": "module:ModuleName", "to": "controller:ClassName", "relation": "declares" },
    { "from": "module:ModuleName", "to": "service:ClassName", "relation": "declares" }
  ]
}

Rules:
- kind must be one of: module, controller, service
- id for module: module:<ModuleName> (e.g. module:UsersModule).
- id for controller: controller:<ClassName>, service: service:<ClassName>.
- A module declares controllers and services (imports/providers). Add edges "declares" from module to each.
- Only include nodes and edges you can infer from this file.
`, schemaJSON, fenced(code))
}
