package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var apiClient = &http.Client{Timeout: 30 * time.Second}

// call hits the daemon and pretty-prints the JSON answer. Non-2xx
// responses become errors so the process exit code reflects them.
func call(method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, payload, "", "  ") == nil {
		fmt.Fprintln(os.Stdout, pretty.String())
	} else {
		fmt.Fprintln(os.Stdout, string(payload))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

func runRunnerStart(cmd *cobra.Command, args []string) error {
	account, _ := cmd.Flags().GetString("account")
	if account == "" {
		return fmt.Errorf("--account is required")
	}
	return call(http.MethodPost, "/api/runners/"+args[0]+"/start", map[string]string{"accountId": account})
}

func runRunnerStop(_ *cobra.Command, args []string) error {
	return call(http.MethodPost, "/api/runners/"+args[0]+"/stop", nil)
}

func runRunnerList(*cobra.Command, []string) error {
	return call(http.MethodGet, "/api/runners", nil)
}

func runKillSwitch(cmd *cobra.Command, _ []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	if reason == "" {
		return fmt.Errorf("--reason is required for the audit trail")
	}
	return call(http.MethodPost, "/api/killswitch", map[string]string{"reason": reason})
}

func runCacheRefresh(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	return call(http.MethodPost, fmt.Sprintf("/api/cache/%s/refresh?days=%d", args[0], days), nil)
}

func runCacheSummary(*cobra.Command, []string) error {
	return call(http.MethodGet, "/api/cache/stats", nil)
}

func runGraduation(_ *cobra.Command, args []string) error {
	return call(http.MethodGet, "/api/bots/"+args[0]+"/graduation", nil)
}

func runVote(cmd *cobra.Command, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	supermajority, _ := cmd.Flags().GetBool("supermajority")
	return call(http.MethodPost, "/api/vote", map[string]interface{}{
		"symbol":                args[0],
		"category":              category,
		"supermajorityRequired": supermajority,
	})
}

func runQueueStats(*cobra.Command, []string) error {
	return call(http.MethodGet, "/api/jobs/stats", nil)
}
