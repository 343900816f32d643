package classify

import "fmt"

// Generic is the universal fallback: no layout convention is assumed, every
// file goes through a single discovery prompt and the model chooses the
// node kind. It accepts any root, so it must stay last in the registry.
func Generic() *ProjectType {
	return &ProjectType{
		Name:        "generic",
		Detect:      func(string) bool { return true },
		Extensions:  []string{".js", ".ts", ".jsx", ".tsx"},
		ExcludeDirs: []string{"node_modules", "dist", "build", ".git", "coverage"},
		Classify:    classifyGeneric,
		Variants: []Variant{
			{Name: "files", BuildPrompt: genericPrompt},
		},
	}
}

func classifyGeneric(files []string, _ string) map[string][]string {
	return map[string][]string{"files": append([]string(nil), files...)}
}

// genericPrompt is the only template that uses the file path: with no
// framework convention to anchor on, the path is what keeps node ids
// unique across files.
func genericPrompt(schemaJSON, code, relPath string) string {
	pathHint := ""
	if relPath != "" {
		pathHint = "\nFile path: " + relPath
	}
	return fmt.Sprintf(`You are analyzing ONE file from a Node.js/TypeScript codebase. Build a minimal dependency graph for this file only. Be strict: only what is actually in the code.%s

Database schema (if empty, ignore):
%s

File content:
%s

Rules (critical):
1. **One node per file**. This file must produce exactly ONE node. The node represents this file as a whole. Do NOT create multiple nodes (no "controller", "service", etc. unless they are the only export). Do NOT invent classes or names that do not appear in the code.
2. **Node id**: Use the file path as basis so it is unique. Example: if file is "src/repositories/user.repository.ts", use id "module:src/repositories/user.repository" or "repository:user.repository" (only if the code actually exports something named like that). Use "module:" + path without extension, or "kind:ExactExportName" if there is a single clear export.
3. **Node label**: The actual export name from the file (e.g. class name or main function name), or the file name without extension. Nothing invented.
4. **kind**: One of: module, repository, service, handler, use_case, entity, adapter, factory, middleware, route, component, other. Pick the one that best matches what the file actually does. If unsure, use "module".
5. **Edges**: Only to nodes that are explicitly imported or required in this file. Use the same id format (e.g. if they import from "./other", the "to" id might be "module:path/to/other"). Do NOT invent edges to controllers or services that are not in the imports.

Return a single JSON object (no markdown, no extra text):
{
  "nodes": [
    { "id": "module:path/to/file", "label": "ActualExportName", "kind": "module" }
  ],
  "edges": [
    { "from": "this_file_id", "to": "imported_id", "relation": "imports" }
  ]
}

Remember: ONE node for this file. Only real exports and real imports. No invented names.
`, pathHint, schemaJSON, fenced(code))
}
