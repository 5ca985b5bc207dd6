//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Graphviz layout directions and output formats.
const (
	RankDirLR = "LR"
	RankDirTB = "TB"

	ImageFormatPNG = "png"
	ImageFormatSVG = "svg"
)

const (
	shapeBox      = "box"
	shapeDiamond  = "diamond"
	shapeOval     = "oval"
	shapeHexagon  = "hexagon"
	shapeOctagon  = "octagon"
	shapeBox3D    = "box3d"
	shapeSubgraph = "component"

	colorAgentFill     = "#e8f5e9"
	colorAgentBorder   = "#4caf50"
	colorToolFill      = "#fff3e0"
	colorToolBorder    = "#ff9800"
	colorDecisionFill  = "#eeeeee"
	colorDecisionBorder = "#757575"
	colorWaitFill      = "#fffde7"
	colorWaitBorder    = "#fbc02d"
	colorParallelFill  = "#f3e5f5"
	colorParallelBorder = "#9c27b0"
	colorDefaultFill   = "#e3f2fd"
	colorDefaultBorder = "#2196f3"
	colorEndFill       = "#ffe1e1"
	colorEndBorder     = "#f44336"

	colorConditionalEdge = "#999999"
	colorBackEdge        = "#1e88e5"
	colorCatchEdge       = "#e53935"
)

// VizOptions configures DOT export and rendering.
type VizOptions struct {
	// RankDir is "LR" or "TB".
	RankDir string
	// IncludeEnd draws a virtual end node behind every end node.
	IncludeEnd bool
	// GraphLabel labels the whole graph.
	GraphLabel string
}

// VizOption mutates VizOptions.
type VizOption func(*VizOptions)

// WithRankDir sets the layout direction. Unknown values are ignored.
func WithRankDir(dir string) VizOption {
	return func(o *VizOptions) {
		if dir == RankDirLR || dir == RankDirTB {
			o.RankDir = dir
		}
	}
}

// WithIncludeEnd toggles the virtual end node.
func WithIncludeEnd(include bool) VizOption {
	return func(o *VizOptions) { o.IncludeEnd = include }
}

// WithGraphLabel sets a label for the graph.
func WithGraphLabel(label string) VizOption {
	return func(o *VizOptions) { o.GraphLabel = label }
}

// DOT returns a Graphviz representation of the graph. Nodes are styled by
// type, the entry point has a double border, conditional edges are dashed,
// loop back edges are bold and catch edges are dotted.
func (g *Graph) DOT(opts ...VizOption) string {
	o := &VizOptions{RankDir: RankDirLR, IncludeEnd: true}
	for _, fn := range opts {
		fn(o)
	}

	var b strings.Builder
	b.WriteString("digraph G {\n")
	fmt.Fprintf(&b, "  rankdir=%s;\n", o.RankDir)
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\"];\n")
	if o.GraphLabel != "" {
		fmt.Fprintf(&b, "  label=\"%s\";\n  labelloc=t;\n", escapeLabel(o.GraphLabel))
	}
	if o.IncludeEnd {
		fmt.Fprintf(&b, "  \"%s\" [label=\"end\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			End, shapeOval, colorEndFill, colorEndBorder)
	}
	for _, id := range g.NodeIDs() {
		n := g.nodes[id]
		label := n.Name
		if label == "" {
			label = n.ID
		}
		if n.loop != nil {
			label = fmt.Sprintf("%s (max %d)", label, n.loop.MaxIterations)
		}
		shape, fill, color := styleForNode(n)
		fmt.Fprintf(&b, "  \"%s\" [label=\"%s\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"",
			escapeLabel(n.ID), escapeLabel(label), shape, fill, color)
		if id == g.entryPoint {
			b.WriteString(", peripheries=2")
		}
		b.WriteString("];\n")
	}
	for _, id := range g.NodeIDs() {
		for _, e := range g.edges[id] {
			if e.To == End && !o.IncludeEnd {
				continue
			}
			writeEdge(&b, e)
		}
	}
	if o.IncludeEnd {
		for _, id := range g.EndNodes() {
			if len(g.Edges(id)) == 0 {
				fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", escapeLabel(id), End)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func writeEdge(b *strings.Builder, e *Edge) {
	var attrs []string
	switch e.Kind {
	case EdgeBack:
		attrs = append(attrs, "style=bold", fmt.Sprintf("color=\"%s\"", colorBackEdge), "constraint=false")
	case EdgeCatch:
		attrs = append(attrs, "style=dotted", fmt.Sprintf("color=\"%s\"", colorCatchEdge), "label=\"catch\"")
	default:
		if e.Conditional() {
			attrs = append(attrs, "style=dashed", fmt.Sprintf("color=\"%s\"", colorConditionalEdge))
		}
	}
	if len(attrs) == 0 {
		fmt.Fprintf(b, "  \"%s\" -> \"%s\";\n", escapeLabel(e.From), escapeLabel(e.To))
		return
	}
	fmt.Fprintf(b, "  \"%s\" -> \"%s\" [%s];\n", escapeLabel(e.From), escapeLabel(e.To), strings.Join(attrs, ", "))
}

// WriteDOT writes the DOT representation to w.
func (g *Graph) WriteDOT(w io.Writer, opts ...VizOption) error {
	_, err := io.WriteString(w, g.DOT(opts...))
	return err
}

// RenderImage renders the graph with Graphviz's dot binary.
func (g *Graph) RenderImage(ctx context.Context, format, outputPath string, opts ...VizOption) error {
	if format == "" {
		format = ImageFormatPNG
	}
	dotPath, err := exec.LookPath("dot")
	if err != nil {
		return fmt.Errorf("graphviz 'dot' binary not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, dotPath, "-T"+format, "-o", outputPath)
	cmd.Stdin = bytes.NewBufferString(g.DOT(opts...))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dot render failed: %w, output: %s", err, string(out))
	}
	return nil
}

func styleForNode(n *Node) (shape, fill, color string) {
	switch n.Type {
	case NodeTypeAgent:
		return shapeBox, colorAgentFill, colorAgentBorder
	case NodeTypeTool:
		return shapeBox, colorToolFill, colorToolBorder
	case NodeTypeDecision:
		if n.loop != nil {
			return shapeHexagon, colorDecisionFill, colorDecisionBorder
		}
		return shapeDiamond, colorDecisionFill, colorDecisionBorder
	case NodeTypeWait:
		return shapeOctagon, colorWaitFill, colorWaitBorder
	case NodeTypeParallel:
		return shapeBox3D, colorParallelFill, colorParallelBorder
	case NodeTypeSubgraph:
		return shapeSubgraph, colorDefaultFill, colorDefaultBorder
	default:
		return shapeBox, colorDefaultFill, colorDefaultBorder
	}
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
