package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"safe-analysis-sandbox/internal/api"
	"safe-analysis-sandbox/internal/pipeline"
)

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running analysis server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ANALYST_API_KEY"), "API key")

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health api.HealthResponse
			if err := newClient(10*time.Second).call(http.MethodGet, "/health", nil, "", &health); err != nil {
				return err
			}
			return printJSON(health)
		},
	})

	var dataPath, deep string
	askCmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Upload a data file and run the stages on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteAsk(dataPath, args[0], deep)
		},
	}
	askCmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV or Excel file to upload")
	askCmd.Flags().StringVar(&deep, "deep", "", "Follow-up question for the stage 3 report")
	cmd.AddCommand(askCmd)

	return cmd
}

type client struct {
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}}
}

func (c *client) call(method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusUnprocessableEntity {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) postJSON(path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.call(http.MethodPost, path, bytes.NewReader(b), "application/json", out)
}

func upload(c *client, path string) (*api.SessionResponse, error) {
	if path == "" {
		return nil, fmt.Errorf("--data is required")
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var resp api.SessionResponse
	if err := c.call(http.MethodPost, "/v1/sessions", &body, mw.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func remoteAsk(dataPath, question, deep string) error {
	// Stages wait on the model, retries included.
	c := newClient(10 * time.Minute)

	sess, err := upload(c, dataPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session %s: %d rows, %d columns\n", sess.SessionID, sess.Rows, len(sess.Columns))
	defer func() {
		_ = c.call(http.MethodDelete, "/v1/sessions/"+sess.SessionID, nil, "", nil)
	}()

	results := []*pipeline.StageResult{sess.Summary}
	if sess.Summary != nil && sess.Summary.Status.Succeeded() {
		var s2 pipeline.StageResult
		if err := c.postJSON("/v1/sessions/"+sess.SessionID+"/preanalysis", api.QuestionRequest{Question: question}, &s2); err != nil {
			return err
		}
		results = append(results, &s2)

		if deep != "" && s2.Status.Succeeded() {
			var s3 pipeline.StageResult
			if err := c.postJSON("/v1/sessions/"+sess.SessionID+"/deep", api.QuestionRequest{Question: deep}, &s3); err != nil {
				return err
			}
			results = append(results, &s3)
		}
	}

	if jsonOutput {
		return printJSON(results)
	}
	for _, res := range results {
		if res != nil {
			printStage(res)
		}
	}
	return nil
}
