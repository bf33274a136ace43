package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cbos/internal/config"
	"cbos/internal/session"
	"cbos/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var sessionsJSON bool

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Padding(0, 1)

	stateColors = map[session.State]lipgloss.Color{
		session.StateIdle:     lipgloss.Color("243"),
		session.StateThinking: lipgloss.Color("212"),
		session.StateWorking:  lipgloss.Color("42"),
		session.StateWaiting:  lipgloss.Color("214"),
		session.StateError:    lipgloss.Color("196"),
	}
)

const (
	stateColumn = 1
	pathColumn  = 5
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Long: `List the sessions in the durable store. This reads the store directly and
works whether or not the server is running; states are as last persisted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		list, err := store.ReadOnly(cfg.Store, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to read sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if sessionsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		fmt.Fprintln(out, renderSessions(list, time.Now()))
		return nil
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print sessions as JSON")
}

// renderSessions draws list as a table. Activity is shown relative to now.
func renderSessions(list []session.Session, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			s.Slug,
			string(s.State),
			string(s.Transport),
			strconv.Itoa(s.MessageCount),
			ago(now, s.LastActivity),
			s.Path,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers("SLUG", "STATE", "TRANSPORT", "MESSAGES", "LAST ACTIVITY", "PATH").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == stateColumn && row >= 0 && row < len(list) {
				if c, ok := stateColors[list[row].State]; ok {
					return cellStyle.Foreground(c)
				}
			}
			if col == pathColumn {
				return dimStyle
			}
			return cellStyle
		})
	return t.Render()
}

func ago(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	d := now.Sub(then)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return then.Format("2006-01-02")
	}
}
