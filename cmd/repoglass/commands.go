package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <repository-url>",
	Short: "Submit a repository for analysis",
	Long: `Submit a repository for analysis and watch its progress.

Examples:
  repoglass analyze https://github.com/org/repo.git
  repoglass analyze https://github.com/org/repo.git --branch develop
  repoglass analyze https://github.com/org/repo.git --no-watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		branch, _ := cmd.Flags().GetString("branch")
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"url": args[0]}
		if name != "" {
			req["name"] = name
		}
		if branch != "" {
			req["branch"] = branch
		}

		resp, err := client.post(cmd.Context(), "/analyses", req)
		if err != nil {
			return err
		}
		var job struct {
			ID        string `json:"id"`
			SourceURL string `json:"source_url"`
			State     string `json:"state"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printSuccess("Submitted %s (job %s)", job.SourceURL, job.ID)
		if noWatch {
			return nil
		}
		return watchJob(cmd, client, job.ID)
	},
}

func init() {
	analyzeCmd.Flags().String("name", "", "display name for the repository")
	analyzeCmd.Flags().String("branch", "", "branch to analyze (default: repository default)")
	analyzeCmd.Flags().Bool("no-watch", false, "submit and exit without watching progress")
}

// watchJob follows the daemon's long-poll event feed until the job
// reaches a terminal state.
func watchJob(cmd *cobra.Command, client *apiClient, jobID string) error {
	var seq uint64
	for {
		path := fmt.Sprintf("/analyses/%s/events?after=%d", url.PathEscape(jobID), seq)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNoContent {
			// Poll window elapsed with no change; ask again.
			resp.Body.Close()
			continue
		}

		var ev struct {
			Seq uint64 `json:"seq"`
			Job struct {
				State    string  `json:"state"`
				Progress float64 `json:"progress"`
				Message  string  `json:"message"`
			} `json:"job"`
		}
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}
		seq = ev.Seq

		switch ev.Job.State {
		case "completed":
			printSuccess("Analysis completed")
			return nil
		case "failed":
			printError("Analysis failed: %s", ev.Job.Message)
			return fmt.Errorf("analysis failed")
		case "cancelled":
			printWarning("Analysis cancelled")
			return nil
		default:
			printStep("%s (%.0f%%)", ev.Job.State, ev.Job.Progress)
		}
	}
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/analyses/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Job %s is now %s", job.ID, job.State)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Daemon", "stopped")
			return nil
		}
		var health struct {
			Status  string `json:"status"`
			Backend struct {
				Endpoint  string `json:"endpoint"`
				Reachable bool   `json:"reachable"`
			} `json:"backend"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Daemon", "error (%v)", err)
			return nil
		}
		printStatus("Daemon", "running on port %d", cfg.Server.Port)
		if health.Backend.Reachable {
			printStatus("Backend", "reachable at %s", health.Backend.Endpoint)
		} else {
			printStatus("Backend", "offline (candidates: %s)", strings.Join(cfg.Backend.Candidates, ", "))
		}

		jobsResp, err := client.get(cmd.Context(), "/analyses")
		if err != nil {
			return nil
		}
		var jobs []struct {
			ID        string  `json:"id"`
			SourceURL string  `json:"source_url"`
			State     string  `json:"state"`
			Progress  float64 `json:"progress"`
		}
		if err := decodeJSON(jobsResp, &jobs); err != nil {
			return nil
		}
		printStatus("Jobs", "%d tracked", len(jobs))
		for _, j := range jobs {
			fmt.Printf("  %s  %-10s %3.0f%%  %s\n",
				colorize(colorCyan, shortID(j.ID)), j.State, j.Progress, j.SourceURL)
		}

		printStatus("Data dir", "%s", cfg.Cache.DataDir)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- repos ---

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List cached repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/entries")
		if err != nil {
			return err
		}
		var entries []struct {
			SourceURL string `json:"source_url"`
			Job       struct {
				State    string  `json:"state"`
				Progress float64 `json:"progress"`
			} `json:"job"`
			SavedAt string `json:"saved_at"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No cached repositories.")
			return nil
		}
		for _, e := range entries {
			state := e.Job.State
			if state == "" {
				state = "-"
			}
			fmt.Printf("%-10s %3.0f%%  %s\n", state, e.Job.Progress, e.SourceURL)
		}
		return nil
	},
}

// --- forget ---

var forgetCmd = &cobra.Command{
	Use:   "forget <repository-url>",
	Short: "Drop the cached entry for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/entries?url="+url.QueryEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Forgot %s", args[0])
		return nil
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <repository-url> <message>",
	Short: "Ask a question about an analyzed repository",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat", map[string]string{
			"url":     args[0],
			"content": strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		var reply struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}
		fmt.Println(reply.Content)
		return nil
	},
}

// --- export / import ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the local cache as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/export")
		if err != nil {
			return err
		}
		var doc json.RawMessage
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		var pretty any
		if err := json.Unmarshal(doc, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(pretty); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Cache exported to %s", output)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge an exported cache into the local one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading export file: %w", err)
		}
		var doc json.RawMessage = data

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/import", doc)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Imported %d entries", result["imported"])
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}
