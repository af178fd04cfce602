package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/viz"
)

var (
	inspectSvg   string
	inspectPath  string
	inspectGraph bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the contents and change log of a saved document",
	Long: `Print the contents, heads and changes of a saved automerge document.

Examples:
  realm inspect /tmp/default.automerge
  realm inspect /tmp/default.automerge --dot > log.dot
  realm inspect /tmp/default.automerge --svg log.svg --path counter`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.StringVar(&inspectSvg, "svg", "", "render the change graph to this SVG file")
	f.StringVar(&inspectPath, "path", "counter", "label changes with the value at this path")
	f.BoolVar(&inspectGraph, "dot", false, "print the change graph in dot format to stdout")
}

func runInspect(_ *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := crdt.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	valuePath := splitPath(inspectPath)

	err = doc.View(func(d *automerge.Doc) error {
		slog.Info("loaded doc", "contents", d.RootMap().GoString())
		slog.Info("loaded heads", "heads", d.Heads())

		changes, err := d.Changes()
		if err != nil {
			return fmt.Errorf("failed to generate changes: %w", err)
		}
		slog.Info("changes:", "count", len(changes))
		for i, change := range changes {
			label, err := viz.Label(d, change, valuePath)
			if err != nil {
				return err
			}
			slog.Info("change", "i", fmt.Sprintf("%4d", i), "change", label, "dep", change.Dependencies())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(valuePath) > 0 {
		if v, err := doc.Value(valuePath...); err != nil {
			slog.Warn("failed to read value", "path", inspectPath, "err", err)
		} else {
			slog.Info("value", "path", inspectPath, "value", v)
		}
	}

	if inspectGraph {
		if err := viz.Render(os.Stdout, doc, graphviz.XDOT, valuePath...); err != nil {
			return err
		}
	}
	if inspectSvg != "" {
		if err := viz.RenderFile(doc, inspectSvg, valuePath...); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+inspectSvg)
	}
	return nil
}
