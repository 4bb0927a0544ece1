package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"deckhand/internal/session"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List live sessions on the daemon",
	RunE:  runPS,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPS(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/sessions")
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var sessions []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decode session list: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println(dim("no sessions"))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "KIND", "PROJECT", "STATUS", "SUBSTATUS", "UPTIME"})
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("  ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)

	for _, s := range sessions {
		project := s.ProjectName
		if project == "" {
			project = "-"
		}
		table.Append([]string{
			shortID(s.ID),
			string(s.Kind),
			project,
			statusCell(s),
			substatusCell(s),
			uptime(s.CreatedAt),
		})
	}
	table.Render()
	return nil
}

// statusCell colors by activity: green when ready, yellow while
// working, red once the child exited.
func statusCell(s session.Info) string {
	if !s.Alive {
		return red(fmt.Sprintf("exited(%d)", s.ExitCode))
	}
	if s.Status == session.StatusWorking {
		return yellow(string(s.Status))
	}
	return green(string(s.Status))
}

func substatusCell(s session.Info) string {
	if !s.Alive || s.Substatus == "" || s.Substatus == session.SubstatusNone {
		return "-"
	}
	return string(s.Substatus)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// uptime formats session age the way docker ps does, coarsening with
// magnitude.
func uptime(created time.Time) string {
	d := time.Since(created)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
