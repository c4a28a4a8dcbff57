package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/httpclient"
	"docflow/internal/logging"
	"docflow/internal/orchestrator"
)

func newSubmitCmd() *cobra.Command {
	var (
		serverURL string
		maxTasks  int
		envPairs  []string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <task description>",
		Short: "Submit a task to a running orchestrator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewComponentLogger("client")
			client := httpclient.New(30*time.Second, logger)
			base := strings.TrimRight(serverURL, "/")

			env := make(map[string]string, len(envPairs))
			for _, pair := range envPairs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
				}
				env[key] = value
			}

			body, err := json.Marshal(orchestrator.SubmitRequest{
				TaskDescription: strings.Join(args, " "),
				MaxTasks:        maxTasks,
				EnvVars:         env,
			})
			if err != nil {
				return err
			}
			resp, err := client.Post(base+"/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("submission rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
			}

			var created struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(data, &created); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", created.JobID, created.Status)
			if !follow {
				return nil
			}
			return followJob(cmd, client, base, created.JobID)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "orchestrator base URL")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "execution cap (0 uses the server default)")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE passed to the job (repeatable)")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll until the job finishes")
	return cmd
}

func followJob(cmd *cobra.Command, client *http.Client, base, jobID string) error {
	last := ""
	for {
		resp, err := client.Get(base + "/jobs/" + jobID)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("poll job: %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		var job orchestrator.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if string(job.Status) != last {
			last = string(job.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", last)
		}
		if job.Status.Terminal() {
			if job.Error != nil {
				return fmt.Errorf("job %s %s: %s", jobID, job.Status, job.Error.Message)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
