package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "realm",
	Short:         "Serve and join collaborative automerge documents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return rootCmd.Execute()
}

// splitPath turns "a.b" into a document path.
func splitPath(raw string) []interface{} {
	if raw == "" {
		return nil
	}
	var out []interface{}
	for _, part := range strings.Split(raw, ".") {
		out = append(out, part)
	}
	return out
}
