package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/claudeman/internal/session"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions managed by the daemon",
	RunE:  runList,
}

var newCmd = &cobra.Command{
	Use:   "new [working-dir]",
	Short: "Create a new session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNew,
}

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Kill a session and its window",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func init() {
	rootCmd.AddCommand(listCmd, newCmd, killCmd)

	newCmd.Flags().String("name", "", "display name for the session")
	newCmd.Flags().String("mode", "agent", "session mode: agent or shell")
	newCmd.Flags().Int("nice", 0, "niceness for the child process")
	newCmd.Flags().Bool("tracker", false, "enable the loop tracker from the start")
}

// apiRequest hits the daemon; the daemon owns all state, the CLI stays a
// thin client.
func apiRequest(method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	url := strings.TrimRight(cfg.APIBaseURL, "/") + path
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reaching daemon at %s (is `claudeman serve` running?): %w", cfg.APIBaseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("daemon: %s", resp.Status)
	}
	return data, nil
}

func runList(_ *cobra.Command, _ []string) error {
	data, err := apiRequest(http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return err
	}
	var sessions []session.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("decoding session list: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tPID\tWINDOW\tCREATED")
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, name, s.Mode, s.PID, s.WindowName, s.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runNew(cmd *cobra.Command, args []string) error {
	workingDir := ""
	if len(args) == 1 {
		workingDir = args[0]
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workingDir = wd
	}

	name, _ := cmd.Flags().GetString("name")
	mode, _ := cmd.Flags().GetString("mode")
	nice, _ := cmd.Flags().GetInt("nice")
	tracker, _ := cmd.Flags().GetBool("tracker")

	data, err := apiRequest(http.MethodPost, "/api/sessions", map[string]any{
		"name":         name,
		"workingDir":   workingDir,
		"mode":         mode,
		"nice":         nice,
		"ralphEnabled": tracker,
	})
	if err != nil {
		return err
	}
	var rec session.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decoding session: %w", err)
	}
	fmt.Printf("created session %s (window %s, pid %d)\n", rec.ID, rec.WindowName, rec.PID)
	return nil
}

func runKill(_ *cobra.Command, args []string) error {
	if _, err := apiRequest(http.MethodDelete, "/api/sessions/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("killed session %s\n", args[0])
	return nil
}
