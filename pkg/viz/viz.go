// Package viz renders a document's change graph with graphviz.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-realms/pkg/crdt"
)

// Render writes the change DAG of doc to w. Each node is labelled with the
// short hash, actor@seq and, when valuePath is set, the JSON value at that
// path as of the change.
func Render(w io.Writer, doc *crdt.Doc, format graphviz.Format, valuePath ...interface{}) error {
	return doc.View(func(d *automerge.Doc) error {
		return render(w, d, format, valuePath)
	})
}

func render(w io.Writer, doc *automerge.Doc, format graphviz.Format, valuePath []interface{}) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		label, err := Label(doc, change, valuePath)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodes[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodes[hash.String()]
			if !ok {
				return fmt.Errorf("change %s depends on unknown %s", change.Hash(), hash)
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// Label describes one change for humans: short hash, actor@seq and optionally
// the value at valuePath once that change is applied.
func Label(doc *automerge.Doc, change *automerge.Change, valuePath []interface{}) (string, error) {
	label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
	if len(valuePath) == 0 {
		return label, nil
	}
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	var raw interface{}
	if value, err := docAt.Path(valuePath...).Get(); err == nil {
		raw = value.Interface()
	}
	if c, ok := raw.(*automerge.Counter); ok {
		if raw, err = c.Get(); err != nil {
			return "", fmt.Errorf("failed to read counter at %s: %w", change.Hash(), err)
		}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
	}
	return label + " " + string(encoded), nil
}

// RenderFile renders an SVG of doc to path.
func RenderFile(doc *crdt.Doc, path string, valuePath ...interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Render(f, doc, graphviz.SVG, valuePath...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
