package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/triageq/internal/api"
	"github.com/kalambet/triageq/internal/config"
	"github.com/kalambet/triageq/internal/submission"
)

// out is where command results go; tests swap it.
var out io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSubmissions(items []submission.Submission) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No submissions.")
		return
	}
	for _, s := range items {
		status := colorize(statusColor(s.Status), fmt.Sprintf("%-8s", s.Status))
		line := fmt.Sprintf("%d  %s  [%s]  %s", s.ID, status, s.Locale, truncate(s.Text, 60))
		if s.Error != "" {
			line += "  (" + s.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a symptom submission",
	Long: `Queue a symptom submission. It is delivered on the next sync pass.
With --direct it goes to the triage endpoint right away and the result is
printed; it is queued only when offline or when delivery fails.

Examples:
  triageq submit --text "fever and headache since yesterday"
  triageq submit --text "tèt fè m mal" --locale ht
  triageq submit --direct --text "chest pain"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		locale, _ := cmd.Flags().GetString("locale")
		asJSON, _ := cmd.Flags().GetBool("json")

		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("--text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		req := api.SubmitRequest{Text: text, Locale: locale}

		if direct, _ := cmd.Flags().GetBool("direct"); direct {
			return submitDirect(cmd, client, req, asJSON)
		}

		resp, err := client.post(cmd.Context(), "/submissions", req)
		if err != nil {
			return err
		}
		var sub submission.Submission
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}

		if asJSON {
			return printJSON(sub)
		}
		printSuccess("Queued submission %d (%s)", sub.ID, sub.Locale)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("text", "", "symptom description")
	submitCmd.Flags().String("locale", submission.DefaultLocale, "language tag ("+strings.Join(submission.Locales, ", ")+")")
	submitCmd.Flags().Bool("json", false, "print the queued submission as JSON")
	submitCmd.Flags().Bool("direct", false, "send to the triage endpoint now and queue only if that fails")
}

func submitDirect(cmd *cobra.Command, client *apiClient, req api.SubmitRequest, asJSON bool) error {
	resp, err := client.post(cmd.Context(), "/submissions?direct=true", req)
	if err != nil {
		return err
	}
	var res api.DirectResponse
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	if asJSON {
		return printJSON(res)
	}
	if res.Delivered {
		printSuccess("Triage result received")
		return printJSON(res.Result)
	}
	printWarning("Saved offline as submission %d (%s); it will sync when the endpoint is reachable", res.Queued.ID, res.Reason)
	return nil
}

// --- pending / list ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List submissions waiting for their first delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSubmissions(cmd, "/submissions/pending")
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/submissions"
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		return listSubmissions(cmd, path)
	},
}

func init() {
	for _, c := range []*cobra.Command{pendingCmd, listCmd} {
		c.Flags().Bool("json", false, "output as JSON")
	}
	listCmd.Flags().String("status", "", "only show submissions in this status (pending, synced, failed, invalid)")
}

func listSubmissions(cmd *cobra.Command, path string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var items []submission.Submission
	if err := decodeJSON(resp, &items); err != nil {
		return err
	}

	if asJSON {
		return printJSON(items)
	}
	printSubmissions(items)
	return nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued submissions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/sync"
		if purge {
			path += "?purge=true"
		}
		printStep("Syncing...")
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var res api.SyncResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON {
			return printJSON(res)
		}
		switch {
		case res.Failed > 0:
			printWarning("%s", res.Feedback)
			for _, r := range res.Results {
				if r.Status == submission.StatusSynced {
					continue
				}
				fmt.Fprintf(out, "  %d  %s  %s\n", r.ID, colorize(statusColor(r.Status), string(r.Status)), r.Error)
			}
		case res.Synced > 0:
			printSuccess("%s", res.Feedback)
		default:
			printStatus("Sync", "%s", res.Feedback)
		}
		if res.Purged > 0 {
			printStatus("Purged", "%d synced submissions", res.Purged)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("purge", false, "remove synced submissions after the pass")
	syncCmd.Flags().Bool("json", false, "output as JSON")
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed submission back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submission id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), fmt.Sprintf("/submissions/%d/retry", id), nil)
		if err != nil {
			return err
		}
		var sub submission.Submission
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}

		printSuccess("Submission %d is %s", sub.ID, sub.Status)
		return nil
	},
}

// --- purge ---

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove synced submissions from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/submissions/synced")
		if err != nil {
			return err
		}
		var result struct {
			Purged int `json:"purged"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Purged == 0 {
			printStatus("Purge", "nothing to remove")
			return nil
		}
		printSuccess("Removed %d synced submissions", result.Purged)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			printStatus("Daemon", "stopped")
			return nil
		}
		var st api.Status
		if err := decodeJSON(resp, &st); err != nil {
			printStatus("Daemon", "error (%v)", err)
			return nil
		}

		printStatus("Daemon", "running at %s", client.baseURL)
		renderStatus(st)
		return nil
	},
}

func renderStatus(st api.Status) {
	if st.Online {
		printStatus("Endpoint", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Endpoint", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Queue", "%d/%d (pending %d, failed %d, synced %d, invalid %d)",
		st.Queue.Total, st.MaxItems, st.Queue.Pending, st.Queue.Failed, st.Queue.Synced, st.Queue.Invalid)
	if st.RetryScheduled {
		printStatus("Retry", "scheduled, next delay %s", st.NextDelay)
	}
	if st.LastPass != nil {
		printStatus("Last sync", "%s (%s)", st.Feedback, st.LastPass.FinishedAt.Local().Format("15:04:05"))
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
