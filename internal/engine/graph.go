// Package engine drives pipeline runs: it sequences stages over a
// static graph, persists every transition before invoking the next
// stage, applies gating policy, and parks runs at approval gates.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/remedyops/conductor/internal/core/ports"
)

// BlockFunc is a blocking predicate evaluated over a stage's output.
// Returning blocked=true short-circuits the run to a failed terminal
// state with the given reason; the next stage is never invoked.
type BlockFunc func(artifact json.RawMessage) (reason string, blocked bool)

// node is one position in a graph: a stage plus its outgoing edge's
// policy. RequireApproval parks the run before the next stage runs.
type node struct {
	stage           ports.Stage
	block           BlockFunc
	requireApproval bool
}

// Graph is a static, acyclic ordered list of named stages. It is built
// once, independent of any run, and reused for all runs.
type Graph struct {
	name  string
	nodes []node
	index map[string]int
}

// StageSpec declares one stage and its outgoing edge policy.
type StageSpec struct {
	// Stage performs the work.
	Stage ports.Stage
	// Block, when set, is evaluated on this stage's output; a true
	// result fails the run before the next stage is invoked.
	Block BlockFunc
	// RequireApproval parks the run after this stage and before the
	// next, pending a human decision on the stage's output.
	RequireApproval bool
}

// NewGraph builds a pipeline graph from ordered stage specs.
func NewGraph(name string, specs ...StageSpec) (*Graph, error) {
	if name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("graph %s: at least one stage required", name)
	}

	g := &Graph{
		name:  name,
		nodes: make([]node, 0, len(specs)),
		index: make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		if spec.Stage == nil {
			return nil, fmt.Errorf("graph %s: stage %d is nil", name, i)
		}
		stageName := spec.Stage.Name()
		if stageName == "" {
			return nil, fmt.Errorf("graph %s: stage %d has empty name", name, i)
		}
		if _, dup := g.index[stageName]; dup {
			return nil, fmt.Errorf("graph %s: duplicate stage %s", name, stageName)
		}
		if spec.RequireApproval && i == len(specs)-1 {
			return nil, fmt.Errorf("graph %s: approval after final stage %s gates nothing", name, stageName)
		}
		g.index[stageName] = i
		g.nodes = append(g.nodes, node{
			stage:           spec.Stage,
			block:           spec.Block,
			requireApproval: spec.RequireApproval,
		})
	}
	return g, nil
}

// MustGraph is NewGraph that panics on a malformed declaration. Graphs
// are built at startup from static declarations, so a failure here is
// a programming error.
func MustGraph(name string, specs ...StageSpec) *Graph {
	g, err := NewGraph(name, specs...)
	if err != nil {
		panic(err)
	}
	return g
}

// Name returns the graph's pipeline name.
func (g *Graph) Name() string {
	return g.name
}

// First returns the name of the first stage.
func (g *Graph) First() string {
	return g.nodes[0].stage.Name()
}

// StageNames returns the declared stage order.
func (g *Graph) StageNames() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.stage.Name()
	}
	return names
}

// nodeFor returns the node for a stage name.
func (g *Graph) nodeFor(stage string) (node, bool) {
	i, ok := g.index[stage]
	if !ok {
		return node{}, false
	}
	return g.nodes[i], true
}

// next returns the stage following the given one; ok is false when the
// stage is last or unknown.
func (g *Graph) next(stage string) (string, bool) {
	i, ok := g.index[stage]
	if !ok || i+1 >= len(g.nodes) {
		return "", false
	}
	return g.nodes[i+1].stage.Name(), true
}
