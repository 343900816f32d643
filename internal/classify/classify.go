// Package classify maps a project tree onto extraction units. A registry
// of project-type descriptors is probed in priority order; the first type
// whose detector accepts the root governs the run: it contributes the file
// extensions to scan, the directories to skip, a classifier that buckets
// files into named variants, and a prompt template per variant. Each
// descriptor is a fixed struct of closures resolved at startup, so adding
// a framework means registering one more descriptor.
package classify

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

// DefaultExcludeDirs are skipped on every scan regardless of project type.
var DefaultExcludeDirs = []string{"vendor", "node_modules", "coverage"}

// Variant is one classification bucket with its own prompt template.
type Variant struct {
	Name string

	// BuildPrompt renders the extraction prompt for a single file.
	// schemaJSON is the database schema serialized as indented JSON, code
	// the file content and relPath the slash-separated path relative to
	// the project root. Templates that have no use for the path ignore it.
	BuildPrompt func(schemaJSON, code, relPath string) string

	// CodeKind names the node kind that receives the file source and path
	// after extraction. Empty means every node from the file receives them.
	CodeKind string
}

// ProjectType describes one recognized framework layout.
type ProjectType struct {
	Name        string
	Detect      func(root string) bool
	Extensions  []string
	ExcludeDirs []string

	// Classify buckets files into variant names. Files that match no
	// bucket are simply not analyzed.
	Classify func(files []string, base string) map[string][]string

	// Variants in registration order. Unit emission follows this order,
	// which keeps dispatch deterministic across runs.
	Variants []Variant
}

// Variant returns the named variant and whether it is registered.
func (pt *ProjectType) Variant(name string) (Variant, bool) {
	for _, v := range pt.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Unit is one schedulable extraction job: a single source file bound to
// the variant whose prompt template covers it. ID is the slash-separated
// path relative to the project root, which keeps checkpoint bookkeeping
// stable across machines.
type Unit struct {
	ID      string   `json:"id"`
	Variant string   `json:"variant"`
	Paths   []string `json:"paths"`
}

// Registry holds project-type descriptors in probe order.
type Registry struct {
	types  []*ProjectType
	logger *slog.Logger
}

// NewRegistry builds the registry with the shipped project types. Probe
// order is most specific first; Generic accepts anything and closes the
// list.
func NewRegistry() *Registry {
	return &Registry{
		types:  []*ProjectType{Laravel(), Express(), NestJS(), NextJS(), Generic()},
		logger: logging.Component("classify"),
	}
}

// Types returns the descriptors in probe order.
func (r *Registry) Types() []*ProjectType {
	return r.types
}

// Names returns the registered type names in probe order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.types))
	for i, pt := range r.types {
		names[i] = pt.Name
	}
	return names
}

// Lookup returns the descriptor registered under name, for forcing a type
// from the command line.
func (r *Registry) Lookup(name string) (*ProjectType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, pt := range r.types {
		if pt.Name == name {
			return pt, true
		}
	}
	return nil, false
}

// Detect probes descriptors in priority order and returns the first whose
// predicate accepts root. Generic accepts every root, so the result is
// never nil.
func (r *Registry) Detect(root string) *ProjectType {
	for _, pt := range r.types {
		if pt.Detect(root) {
			r.logger.Debug("project type detected", "type", pt.Name, "root", root)
			return pt
		}
	}
	return r.types[len(r.types)-1]
}

// ClassifyUnits buckets files with the project type's classifier and
// flattens the result into a deterministic unit list: variant registration
// order first, classifier output order within a variant. Malformed paths
// are logged and skipped, never fatal.
func (r *Registry) ClassifyUnits(pt *ProjectType, root string, files []string) []Unit {
	base := absNorm(root)
	buckets := pt.Classify(files, base)
	var units []Unit
	for _, v := range pt.Variants {
		for _, fp := range buckets[v.Name] {
			rel, err := unitID(fp, base)
			if err != nil {
				r.logger.Warn("skipping malformed path", "path", fp, "error", err)
				continue
			}
			units = append(units, Unit{ID: rel, Variant: v.Name, Paths: []string{fp}})
		}
	}
	return units
}

// Scan walks root and returns the files matching the project type's
// extensions, skipping excluded directories. Matching is case-insensitive
// and suffix-based so multi-part extensions like ".blade.php" work. A root
// that is itself a regular file is returned as-is. Results are absolute
// and sorted.
func Scan(root string, pt *ProjectType) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Mode().IsRegular() {
		return []string{abs}, nil
	}
	if !info.IsDir() {
		return nil, errors.New("path is not a file or directory: " + root)
	}

	skip := make(map[string]bool, len(DefaultExcludeDirs)+len(pt.ExcludeDirs))
	for _, d := range DefaultExcludeDirs {
		skip[d] = true
	}
	for _, d := range pt.ExcludeDirs {
		skip[d] = true
	}

	var out []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != abs && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		name := strings.ToLower(d.Name())
		for _, ext := range pt.Extensions {
			if strings.HasSuffix(name, ext) {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// FilterExcluded drops files whose root-relative path equals or sits under
// one of the excluded paths. Excluded paths use forward slashes relative
// to base, as stored in project settings.
func FilterExcluded(files []string, base string, excluded []string) []string {
	if len(excluded) == 0 {
		return files
	}
	baseAbs := absNorm(base)
	normalized := make([]string, 0, len(excluded))
	for _, p := range excluded {
		p = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p)), "/")
		if p != "" && p != "." {
			normalized = append(normalized, p)
		}
	}
	out := make([]string, 0, len(files))
	for _, fp := range files {
		rel := relSlash(fp, baseAbs)
		skip := false
		for _, ex := range normalized {
			if rel == ex || strings.HasPrefix(rel, ex+"/") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, fp)
		}
	}
	return out
}

// unitID derives the stable unit identifier for a file: its slash-separated
// path relative to base. An empty or unresolvable path is malformed.
func unitID(fp, base string) (string, error) {
	if strings.TrimSpace(fp) == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(fp)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		// Unrelated roots (different volumes) keep the absolute path.
		return filepath.ToSlash(abs), nil
	}
	return filepath.ToSlash(rel), nil
}

// relSlash returns fp relative to base with forward slashes, falling back
// to the input when it cannot be resolved. Classifiers use it for bucket
// rules, where a best-effort path beats dropping the file.
func relSlash(fp, base string) string {
	abs, err := filepath.Abs(fp)
	if err != nil {
		return filepath.ToSlash(fp)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func absNorm(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// packageDeps merges dependencies and devDependencies from package.json.
// Returns nil when the manifest is missing or unparseable.
func packageDeps(root string) map[string]string {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	deps := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for k, v := range pkg.Dependencies {
		deps[k] = v
	}
	for k, v := range pkg.DevDependencies {
		deps[k] = v
	}
	return deps
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func hasPart(parts []string, name string) bool {
	for _, p := range parts {
		if p == name {
			return true
		}
	}
	return false
}

// fenced wraps code in a markdown code fence for prompt templates.
func fenced(code string) string {
	return "```\n" + code + "\n```"
}
