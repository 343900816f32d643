package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var cancelServer string

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run on a running analysis server",
	Long: `Ask an anatomy server to stop one of its runs. The server stops
dispatching, lets in-flight extractions finish and saves a checkpoint.

Cancelling goes over HTTP because only the process that started a run
can stop it. For a run started by 'anatomy analyze', press Ctrl-C in
its terminal instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (default derived from the configured listen address)")
}

func runCancel(cmd *cobra.Command, args []string) error {
	base := serverBaseURL(cancelServer)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/runs/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach server at %s: %w (is 'anatomy serve' running?)", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel: %s", apiDetail(resp))
	}
	fmt.Printf("Run %s cancelled. Progress saved in a checkpoint.\n", args[0])
	return nil
}

// serverBaseURL turns the configured listen address into something a
// client can dial. ":8000" means localhost.
func serverBaseURL(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		return "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// apiDetail extracts the detail message of an error response.
func apiDetail(resp *http.Response) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return resp.Status
}
