package graph

import (
	"log/slog"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

// Merge folds fragment into a copy of into and returns the result.
// Neither argument is mutated, so a retried extraction can re-merge the
// same fragment safely and concurrent readers can keep using the
// previous accumulator value.
//
// Reconciliation, per node id:
//   - absent id: insert as-is
//   - synthesized stub: replaced by the real definition
//   - non-empty incoming fields fill empty or placeholder fields
//     (a label equal to the id counts as a placeholder)
//   - a populated field is never overwritten by an empty one
//   - conflicting kinds: the first kind wins, the conflict is logged
//
// Edges deduplicate on (source, target, relation). Merging the same
// fragment twice is a no-op; merging disjoint fragments is
// order-independent.
func Merge(into, fragment *Graph) *Graph {
	out := into.Clone()
	if fragment == nil {
		return out
	}
	log := logging.Component("graph")

	for _, n := range fragment.NodesSorted() {
		existing, ok := out.Nodes[n.ID]
		if !ok {
			out.AddNode(n)
			continue
		}
		reconcileNode(existing, n, log)
	}
	for _, e := range fragment.Edges() {
		out.AddEdge(e.Source, e.Target, e.Relation)
	}
	return out
}

func reconcileNode(existing, incoming *Node, log *slog.Logger) {
	if existing.IsSynthetic() && !incoming.IsSynthetic() {
		// The real definition arrived for a stub endpoint.
		if incoming.Kind != "" {
			existing.Kind = incoming.Kind
		}
		if incoming.Label != "" {
			existing.Label = incoming.Label
		}
		delete(existing.Attributes, AttrSynthetic)
		if len(existing.Attributes) == 0 {
			existing.Attributes = nil
		}
	} else if incoming.Kind != "" && incoming.Kind != existing.Kind {
		log.Warn("node kind conflict, keeping first",
			"node_id", existing.ID,
			"kept", string(existing.Kind),
			"dropped", string(incoming.Kind))
	}

	if (existing.Label == "" || existing.Label == existing.ID) && incoming.Label != "" {
		existing.Label = incoming.Label
	}
	if existing.Code == "" && incoming.Code != "" {
		existing.Code = incoming.Code
	}
	if existing.FilePath == "" && incoming.FilePath != "" {
		existing.FilePath = incoming.FilePath
	}
	for k, v := range incoming.Attributes {
		if k == AttrSynthetic || v == "" {
			continue
		}
		if existing.Attributes[k] == "" {
			existing.SetAttr(k, v)
		}
	}
}
