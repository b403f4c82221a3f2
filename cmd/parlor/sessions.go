package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune stored sessions",
		Long:  "Works on the configured session snapshot while the bot is stopped.",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsPurgeCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parlor config file")
	return cmd
}

func newSessionsPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove idle sessions without notifying users",
		Long:  "Removes every session idle for longer than --older-than (default: the configured session timeout).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsPurge(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parlor config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "idle period to purge (e.g. 30m, 24h)")
	return cmd
}

func loadStore(configPath string) (*config.Config, *session.Store, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, closeStore, err := openStore(cfg, io.Discard)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return cfg, store, closeStore, nil
}

func runSessionsList(cmd *cobra.Command, configPath string) error {
	_, store, closeStore, err := loadStore(configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	out := cmd.OutOrStdout()
	sessions := store.All()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAT\tUSER\tSTATE\tPERSONA\tMSGS\tIDLE")
	for _, s := range sessions {
		fmt.Fprintln(w, formatSessionRow(s, now))
	}
	w.Flush()
	return nil
}

func formatSessionRow(s session.Session, now time.Time) string {
	user := s.UserName
	if user == "" {
		user = "-"
	}
	state, name, msgs := "browsing", "-", "-"
	switch st := s.State.(type) {
	case session.Bound:
		state, name, msgs = "bound", st.Persona, fmt.Sprintf("%d", st.MessageCount)
	case session.Browsing:
		name = fmt.Sprintf("#%d", st.Index)
	}
	idle := "-"
	if !s.LastActivity.IsZero() {
		idle = formatIdle(now.Sub(s.LastActivity))
	}
	return strings.Join([]string{s.ChatID, user, state, name, msgs, idle}, "\t")
}

// formatIdle renders a duration at minute precision, e.g. "2h05m".
func formatIdle(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	d = d.Truncate(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}

func runSessionsPurge(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, store, closeStore, err := loadStore(configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	if olderThan == 0 {
		olderThan = cfg.Sessions.Timeout()
	}

	out := cmd.OutOrStdout()
	now := time.Now()
	removed := purgeIdle(store, now, olderThan)
	if err := store.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d session(s) idle longer than %s (%d remaining)\n", removed, olderThan, store.Len())
	return nil
}

// purgeIdle removes every session expired at now and returns how many went.
func purgeIdle(store *session.Store, now time.Time, olderThan time.Duration) int {
	removed := 0
	for _, s := range store.All() {
		if _, ok := store.RemoveIf(s.ChatID, func(cur session.Session) bool {
			return cur.Expired(now, olderThan)
		}); ok {
			removed++
		}
	}
	return removed
}
