// ABOUTME: Operator commands that query and drive a running hub through its HTTP API.
// ABOUTME: Implements health, clients and exec on top of a small JSON client.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tether/internal/hub"
)

// apiClient talks to one hub.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(opts *rootOptions) (*apiClient, error) {
	base := opts.hubURL
	if base == "" {
		cfg, _, err := loadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		base, err = baseURLFromAddr(cfg.Server.HTTPAddr)
		if err != nil {
			return nil, err
		}
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

// baseURLFromAddr turns a listen address into a URL an operator on the same
// host can reach. Wildcard hosts become loopback.
func baseURLFromAddr(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("server.http_addr is empty; pass --hub")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing http_addr %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// do sends a request and decodes a JSON body into out. Non-2xx responses
// become errors carrying the hub's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to hub failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if out != nil && len(data) > 0 && json.Valid(data) {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, fmt.Errorf("hub returned %d: %s", resp.StatusCode, msg)
	}
	return resp.StatusCode, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the hub is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			if _, err := c.do(cmd.Context(), http.MethodGet, "/health", nil, nil); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newClientsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List known agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var resp hub.ClientsResponse
			if _, err := c.do(cmd.Context(), http.MethodGet, "/api/clients", nil, &resp); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printClients(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw API response")
	return cmd
}

func printClients(w io.Writer, resp hub.ClientsResponse) {
	fmt.Fprintf(w, "%d clients, %d connected, %d pending commands\n\n",
		resp.TotalClients, resp.ActiveSessions, resp.PendingTasks)
	if len(resp.Clients) == 0 {
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tOS\tLAST ACTIVE")
	for _, cl := range resp.Clients {
		status := gray(cl.Status)
		if cl.Online() {
			status = green(cl.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cl.ID, cl.Name, status, cl.OS, cl.LastActive)
	}
	_ = tw.Flush()
}

type execOptions struct {
	shell   string
	script  string
	name    string
	timeout time.Duration
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	eo := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <client-id>",
		Short: "Run a script on an agent and print its output",
		Example: `  tether-hub exec 123-456-789 --shell bash --script "uptime"
  tether-hub exec 123-456-789 --name sysinfo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			return runExec(cmd.Context(), c, cmd.OutOrStdout(), args[0], eo)
		},
	}
	cmd.Flags().StringVar(&eo.shell, "shell", "bash", "shell to run the script with (bash or powershell)")
	cmd.Flags().StringVar(&eo.script, "script", "", "script text to run")
	cmd.Flags().StringVar(&eo.name, "name", "", "run a named script from the hub config instead")
	cmd.Flags().DurationVar(&eo.timeout, "timeout", 5*time.Minute, "how long to wait for the result")
	cmd.MarkFlagsMutuallyExclusive("script", "name")
	cmd.MarkFlagsOneRequired("script", "name")
	return cmd
}

func runExec(ctx context.Context, c *apiClient, out io.Writer, clientID string, eo *execOptions) error {
	ctx, cancel := context.WithTimeout(ctx, eo.timeout)
	defer cancel()

	id := url.PathEscape(clientID)
	var submit hub.SubmitResponse
	var err error
	if eo.name != "" {
		_, err = c.do(ctx, http.MethodPost, "/api/scripts/"+url.PathEscape(eo.name)+"/"+id, nil, &submit)
	} else {
		_, err = c.do(ctx, http.MethodPost, "/api/run_script/"+id,
			hub.RunScriptRequest{Shell: eo.shell, Script: eo.script}, &submit)
	}
	if err != nil {
		return err
	}

	path := "/api/script_response/" + url.PathEscape(submit.RequestID) + "?wait=30s"
	for {
		var resp hub.ScriptResponse
		if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		switch resp.Status {
		case "resolved":
			fmt.Fprint(out, resp.Result)
			if !strings.HasSuffix(resp.Result, "\n") {
				fmt.Fprintln(out)
			}
			return nil
		case "failed":
			return fmt.Errorf("command %s failed: %s", submit.RequestID, resp.Message)
		case "pending":
			if ctx.Err() != nil {
				return fmt.Errorf("gave up waiting for %s: %w", submit.RequestID, ctx.Err())
			}
		default:
			return fmt.Errorf("unexpected status %q for %s", resp.Status, submit.RequestID)
		}
	}
}
