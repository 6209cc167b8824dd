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

var (
	serverURL string
	apiKey    string
	agentID   string
	timeout   string
	testsPath string
	focus     []string
	limit     int
)

func main() {
	root := &cobra.Command{
		Use:   "refinery-cli",
		Short: "CLI client for agent-refinery",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REFINERY_API_KEY"), "API key")

	// Execute agent code once
	execCmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Execute agent code in a sandbox (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (enables metric recording)")
	root.AddCommand(execCmd)

	// Validate agent code
	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate agent code against its test cases",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (persists the validation snapshot)")
	validateCmd.Flags().StringVar(&testsPath, "tests", "", "JSON file with declared test cases")
	root.AddCommand(validateCmd)

	// Trigger an improvement cycle
	improveCmd := &cobra.Command{
		Use:   "improve [file]",
		Short: "Run one improvement cycle for an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImprove,
	}
	improveCmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (required)")
	improveCmd.Flags().StringSliceVar(&focus, "focus", nil, "Focus areas for the improvement service")
	_ = improveCmd.MarkFlagRequired("agent")
	root.AddCommand(improveCmd)

	// List version history
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List an agent's code version history",
		RunE:  runVersions,
	}
	versionsCmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (required)")
	versionsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum versions to list")
	_ = versionsCmd.MarkFlagRequired("agent")
	root.AddCommand(versionsCmd)

	// List recent feedback
	feedbackCmd := &cobra.Command{
		Use:   "feedback",
		Short: "List an agent's recent feedback",
		RunE:  runFeedback,
	}
	feedbackCmd.Flags().StringVar(&agentID, "agent", "", "Agent ID (required)")
	feedbackCmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to list")
	_ = feedbackCmd.MarkFlagRequired("agent")
	root.AddCommand(feedbackCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func readCode(args []string) (string, error) {
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"code":    code,
		"timeout": timeout,
	}
	if agentID != "" {
		payload["agent_id"] = agentID
	}

	result, err := post("/execute", payload)
	if err != nil {
		return err
	}
	printJSON(result)

	if success, ok := result["success"].(bool); ok && !success {
		os.Exit(1)
	}
	return nil
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	payload := map[string]any{"code": code}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	if testsPath != "" {
		data, err := os.ReadFile(testsPath)
		if err != nil {
			return fmt.Errorf("reading test cases: %w", err)
		}
		var tests []map[string]any
		if err := json.Unmarshal(data, &tests); err != nil {
			return fmt.Errorf("parsing test cases: %w", err)
		}
		payload["test_cases"] = tests
	}

	result, err := post("/validate", payload)
	if err != nil {
		return err
	}
	printJSON(result)

	if valid, ok := result["valid"].(bool); ok && !valid {
		os.Exit(1)
	}
	return nil
}

func runImprove(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	payload := map[string]any{"original_code": code}
	if len(focus) > 0 {
		payload["focus_areas"] = focus
	}

	result, err := post("/agents/"+agentID+"/improve", payload)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runVersions(_ *cobra.Command, _ []string) error {
	return getAndPrint(fmt.Sprintf("/agents/%s/versions?limit=%d", agentID, limit))
}

func runFeedback(_ *cobra.Command, _ []string) error {
	return getAndPrint(fmt.Sprintf("/agents/%s/feedback?limit=%d", agentID, limit))
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getAndPrint("/health")
}

func post(path string, payload map[string]any) (map[string]any, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %d: %v", resp.StatusCode, result["error"])
	}
	return result, nil
}

func getAndPrint(path string) error {
	req, _ := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
