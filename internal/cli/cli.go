// Package cli implements the nbcon command line client for the assistant
// daemon's local HTTP API.
package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(addr string) *client {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	return &client{
		baseURL: addr,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return e.Code
}

func (c *client) do(method string, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assistant daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// NewRootCmd builds the nbcon command tree.
func NewRootCmd(version string) *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:           "nbcon",
		Short:         "nbcon assistant client",
		Long:          "Talk to the nbcon engineering assistant from the terminal.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8787", "assistant daemon address")

	cl := func() *client { return newClient(addr) }

	root.AddCommand(newThreadsCmd(cl))
	root.AddCommand(newChatCmd(cl))
	root.AddCommand(newUsageCmd(cl))
	root.AddCommand(newMonitorCmd(cl))
	return root
}

type threadRow struct {
	ID                  string `json:"thread_id"`
	Title               string `json:"title"`
	Mode                string `json:"mode"`
	Starred             bool   `json:"starred"`
	Archived            bool   `json:"archived"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
	MessageCount        int    `json:"message_count"`
}

type messageRow struct {
	ID        string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming"`
	Unsent    bool   `json:"unsent"`
	ErrorText string `json:"error"`
}

func newThreadsCmd(cl func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage conversation threads",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Threads  []threadRow `json:"threads"`
				ActiveID string      `json:"active_thread_id"`
			}
			if err := cl().do(http.MethodGet, "/v1/threads", nil, &resp); err != nil {
				return err
			}
			if len(resp.Threads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no threads")
				return nil
			}
			for _, t := range resp.Threads {
				fmt.Fprintln(cmd.OutOrStdout(), formatThreadLine(t, t.ID == resp.ActiveID))
			}
			return nil
		},
	}

	var mode string
	create := &cobra.Command{
		Use:   "new",
		Short: "Start a thread (reuses an existing empty one of the same mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var th threadRow
			if err := cl().do(http.MethodPost, "/v1/threads", map[string]string{"mode": mode}, &th); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), th.ID)
			return nil
		},
	}
	create.Flags().StringVar(&mode, "mode", "chat", "thread mode")

	star := &cobra.Command{
		Use:   "star <thread-id>",
		Short: "Toggle the star on a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl().do(http.MethodPost, "/v1/threads/"+args[0]+"/star", nil, nil)
		},
	}
	archive := &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Toggle archive on a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl().do(http.MethodPost, "/v1/threads/"+args[0]+"/archive", nil, nil)
		},
	}
	rm := &cobra.Command{
		Use:   "rm <thread-id>",
		Short: "Delete a thread and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl().do(http.MethodDelete, "/v1/threads/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(list, create, star, archive, rm)
	return cmd
}

func newChatCmd(cl func() *client) *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				// Piped input: read the message from stdin.
				if term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("no message given; pass it as arguments or pipe it on stdin")
				}
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimSpace(string(b))
			}
			if text == "" {
				return errors.New("empty message")
			}

			c := cl()
			if strings.TrimSpace(threadID) != "" {
				if err := c.do(http.MethodPost, "/v1/threads/"+threadID+"/select", nil, nil); err != nil {
					return err
				}
			}

			var resp struct {
				Messages []messageRow `json:"messages"`
			}
			if err := c.do(http.MethodPost, "/v1/messages", map[string]string{"content": text}, &resp); err != nil {
				return err
			}
			for i := len(resp.Messages) - 1; i >= 0; i-- {
				m := resp.Messages[i]
				if m.Role != "assistant" {
					continue
				}
				if m.ErrorText != "" {
					return errors.New(m.ErrorText)
				}
				fmt.Fprintln(cmd.OutOrStdout(), m.Content)
				return nil
			}
			return errors.New("no assistant reply in response")
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "send into a specific thread")
	return cmd
}

func newUsageCmd(cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show this month's AI usage against the plan budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Plan          string `json:"plan"`
				MonthlyBudget int64  `json:"monthly_budget"`
				Totals        struct {
					Requests         int64   `json:"requests"`
					InputTokens      int64   `json:"input_tokens"`
					OutputTokens     int64   `json:"output_tokens"`
					EstimatedCostUSD float64 `json:"estimated_cost_usd"`
				} `json:"totals"`
			}
			if err := cl().do(http.MethodGet, "/v1/usage", nil, &resp); err != nil {
				return err
			}
			used := resp.Totals.InputTokens + resp.Totals.OutputTokens
			fmt.Fprintf(cmd.OutOrStdout(), "plan: %s\nrequests: %d\ntokens: %d / %d\nestimated cost: $%.4f\n",
				resp.Plan, resp.Totals.Requests, used, resp.MonthlyBudget, resp.Totals.EstimatedCostUSD)
			return nil
		},
	}
}

func newMonitorCmd(cl func() *client) *cobra.Command {
	var sortBy string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show daemon host resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap struct {
				CPUUsage      float64 `json:"cpu_usage"`
				CPUCores      int     `json:"cpu_cores"`
				MemoryPercent float64 `json:"memory_percent"`
				Platform      string  `json:"platform"`
				Processes     []struct {
					PID        int32   `json:"pid"`
					Name       string  `json:"name"`
					CPUPercent float64 `json:"cpu_percent"`
				} `json:"processes"`
			}
			if err := cl().do(http.MethodGet, "/v1/monitor?sort_by="+sortBy, nil, &snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cpu %.1f%% (%d cores), mem %.1f%%\n",
				snap.Platform, snap.CPUUsage, snap.CPUCores, snap.MemoryPercent)
			for _, p := range snap.Processes {
				fmt.Fprintf(cmd.OutOrStdout(), "%8d  %5.1f%%  %s\n", p.PID, p.CPUPercent, p.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", "cpu", "process sort key: cpu|memory")
	return cmd
}

func formatThreadLine(t threadRow, active bool) string {
	marker := " "
	if active {
		marker = "*"
	}
	flags := ""
	if t.Starred {
		flags += "★"
	}
	if t.Archived {
		flags += "A"
	}
	when := ""
	if t.LastMessageAtUnixMs > 0 {
		when = time.UnixMilli(t.LastMessageAtUnixMs).Local().Format("2006-01-02 15:04")
	}
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("%s %-28s %-10s %3d msgs  %-2s %-16s %s",
		marker, t.ID, t.Mode, t.MessageCount, flags, when, title)
}
