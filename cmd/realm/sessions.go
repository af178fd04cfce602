package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-realms/pkg/journal"
)

var (
	sessionsRealm string
	sessionsLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions JOURNAL",
	Short: "List the recent sessions recorded in a session journal",
	Long: `List the recent sessions of a realm from the sqlite session journal
written by "realm serve --journal", newest first.

Examples:
  realm sessions /var/lib/realm/journal.sqlite3
  realm sessions journal.sqlite3 --realm notes --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSessions,
}

func init() {
	f := sessionsCmd.Flags()
	f.StringVar(&sessionsRealm, "realm", "default", "the realm to list")
	f.IntVar(&sessionsLimit, "limit", 20, "the number of sessions to list")
}

func runSessions(cmd *cobra.Command, args []string) error {
	j, err := journal.Open(args[0])
	if err != nil {
		return err
	}
	defer j.Close()

	sessions, err := j.Sessions(cmd.Context(), sessionsRealm, sessionsLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tJOINED\tDURATION\tOUTCOME\tCLIENTS")
	for _, s := range sessions {
		mode := "read_write"
		if s.ReadOnly {
			mode = "read_only"
		}
		duration, outcome := "-", "open"
		if !s.LeftAt.IsZero() {
			duration = s.LeftAt.Sub(s.JoinedAt).Round(time.Millisecond).String()
			outcome = s.Outcome
		}
		clients := make([]string, len(s.Clients))
		for i, id := range s.Clients {
			clients[i] = strconv.FormatUint(id, 10)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, mode, s.JoinedAt.Format(time.RFC3339), duration, outcome, strings.Join(clients, ","))
	}
	return w.Flush()
}
