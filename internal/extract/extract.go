// Package extract turns classified units into graph fragments by
// prompting an LLM provider and parsing its JSON response. Failures are
// mapped onto a small taxonomy the pipeline's retry policy understands.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/llm"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

// noSchemaSuffix is appended to every prompt when the run has no table
// schema, steering the model away from inventing table nodes.
const noSchemaSuffix = "\n\nImportant: No database schema was provided. Extract only code structure (controllers, routes, pages, components, services, etc.). Do NOT include any nodes with kind \"table\". Return a single valid JSON object with \"nodes\" and \"edges\" arrays only. No markdown, no extra text."

// Extractor prompts the provider once per unit and converts the response
// into a fragment. One extractor serves a whole run: the schema is
// rendered once and shared across prompts.
type Extractor struct {
	client     llm.Client
	pt         *classify.ProjectType
	schemaJSON string
	hasTables  bool
	timeout    time.Duration
	logger     *slog.Logger
}

// New builds an extractor. sch may be nil for schema-less runs; timeout
// bounds each provider call, zero means no bound.
func New(client llm.Client, pt *classify.ProjectType, sch *schema.Schema, timeout time.Duration) *Extractor {
	schemaJSON, hasTables := renderSchema(sch)
	return &Extractor{
		client:     client,
		pt:         pt,
		schemaJSON: schemaJSON,
		hasTables:  hasTables,
		timeout:    timeout,
		logger:     logging.Component("extract"),
	}
}

// Extract reads the unit's file, renders the variant prompt, calls the
// provider and parses the result. The returned fragment carries the
// unit's source attached to the nodes its variant owns.
func (x *Extractor) Extract(ctx context.Context, unit classify.Unit) (*graph.Graph, error) {
	variant, ok := x.pt.Variant(unit.Variant)
	if !ok {
		return nil, &ClassificationError{Unit: unit.ID, Err: fmt.Errorf("variant %q not registered for project type %q", unit.Variant, x.pt.Name)}
	}
	if len(unit.Paths) == 0 {
		return nil, &ClassificationError{Unit: unit.ID, Err: errors.New("unit has no paths")}
	}
	source, err := os.ReadFile(unit.Paths[0])
	if err != nil {
		return nil, &ClassificationError{Unit: unit.ID, Err: err}
	}
	code := string(source)

	prompt := variant.BuildPrompt(x.schemaJSON, code, unit.ID)
	if !x.hasTables {
		prompt += noSchemaSuffix
	}

	callCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	raw, err := x.client.CompleteJSON(callCtx, prompt)
	if err != nil {
		// Run-level cancellation is not a unit failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyCallErr(unit.ID, err)
	}

	frag, err := ParseFragment(raw)
	if err != nil {
		return nil, &Error{Kind: InvalidResponse, Unit: unit.ID, Err: err}
	}
	attachSource(frag, variant, code, unit.ID)

	x.logger.Debug("unit extracted",
		"unit", unit.ID,
		"variant", unit.Variant,
		"nodes", frag.NodeCount(),
		"edges", frag.EdgeCount(),
	)
	return frag, nil
}

// SchemaJSON exposes the rendered schema, mainly for status output.
func (x *Extractor) SchemaJSON() string { return x.schemaJSON }

func renderSchema(sch *schema.Schema) (string, bool) {
	if sch == nil {
		return "{}", false
	}
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return "{}", false
	}
	return string(data), sch.HasTables()
}

// attachSource copies the unit's source and relative path onto fragment
// nodes. A variant with a CodeKind attaches only to nodes of that kind;
// without one, the whole file belongs to every node it produced (route
// files, generic modules).
func attachSource(frag *graph.Graph, v classify.Variant, code, relPath string) {
	kind := strings.ToLower(v.CodeKind)
	for _, n := range frag.Nodes {
		if kind != "" && strings.ToLower(string(n.Kind)) != kind {
			continue
		}
		n.Code = code
		n.FilePath = relPath
	}
}

type fragmentNode struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Code     string `json:"code"`
	FilePath string `json:"file_path"`
}

// fragmentEdge accepts both key spellings: prompt templates ask for
// from/to, already-exported graphs carry source/target.
type fragmentEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// ParseFragment parses an LLM response into a graph fragment. Markdown
// fences are unwrapped first; the payload must be a JSON object with a
// "nodes" key. Edges with unknown endpoints synthesize stub nodes on
// insertion, so an edges-only fragment still yields a valid graph.
func ParseFragment(raw string) (*graph.Graph, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty response")
	}
	raw = stripFences(raw)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	if _, ok := probe["nodes"]; !ok {
		return nil, errors.New(`response is not a graph object (expected "nodes")`)
	}

	var nodes []fragmentNode
	if err := json.Unmarshal(probe["nodes"], &nodes); err != nil {
		return nil, fmt.Errorf("malformed nodes: %w", err)
	}
	var edges []fragmentEdge
	if rawEdges, ok := probe["edges"]; ok {
		if err := json.Unmarshal(rawEdges, &edges); err != nil {
			return nil, fmt.Errorf("malformed edges: %w", err)
		}
	}

	frag := graph.New()
	for _, n := range nodes {
		frag.AddNode(&graph.Node{
			ID:       strings.TrimSpace(n.ID),
			Label:    n.Label,
			Kind:     graph.Kind(strings.ToLower(strings.TrimSpace(n.Kind))),
			Code:     n.Code,
			FilePath: n.FilePath,
		})
	}
	for _, e := range edges {
		source := e.Source
		if source == "" {
			source = e.From
		}
		target := e.Target
		if target == "" {
			target = e.To
		}
		frag.AddEdge(source, target, e.Relation)
	}
	return frag, nil
}

// stripFences unwraps a fenced response: the opening ``` line is dropped
// and everything up to the closing fence kept. An unterminated fence
// keeps the remainder.
func stripFences(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	end := len(lines)
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

// classifyCallErr maps a provider failure onto the retry taxonomy.
func classifyCallErr(unitID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Unit: unitID, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &Error{Kind: RateLimited, Unit: unitID, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &Error{Kind: RateLimited, Unit: unitID, Err: err}
	}

	// Gemini and OpenRouter surface quota errors as text only.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") {
		return &Error{Kind: RateLimited, Unit: unitID, Err: err}
	}
	return &Error{Kind: ProviderError, Unit: unitID, Err: err}
}
