package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gzhole/guardbridge/internal/fsutil"
	"github.com/gzhole/guardbridge/internal/mediator"
	"github.com/gzhole/guardbridge/internal/transport/filequeue"
	"github.com/gzhole/guardbridge/internal/transport/socket"
	"github.com/spf13/cobra"
)

var (
	submitID          string
	submitRequestedBy string
	submitReason      string
	submitAction      string
	submitArgs        string
	submitCommand     string
	submitInbox       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send one request to a running guard",
	Long: `Build a request and send it over the socket, printing the response. With
--inbox the request is dropped into the inbox instead and the path of the
response file to watch for is printed.

  guardbridge submit --reason "check tree" --command 'git status'
  guardbridge submit --reason "weekly report" --action email.send --args '{"to":"ops@example.com"}'`,
	Args: cobra.NoArgs,
	RunE: submitRun,
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "Request id (default: a random UUID)")
	submitCmd.Flags().StringVar(&submitRequestedBy, "requested-by", "", "Identity of the requester")
	submitCmd.Flags().StringVar(&submitReason, "reason", "", "Why the request is needed (required)")
	submitCmd.Flags().StringVar(&submitAction, "action", "", "Named action to invoke")
	submitCmd.Flags().StringVar(&submitArgs, "args", "", "Action arguments as a JSON object")
	submitCmd.Flags().StringVar(&submitCommand, "command", "", "Command chain to run")
	submitCmd.Flags().BoolVar(&submitInbox, "inbox", false, "Write the request to the inbox instead of the socket")
	rootCmd.AddCommand(submitCmd)
}

func buildRequest() (mediator.Request, error) {
	req := mediator.Request{
		RequestID:   submitID,
		RequestedBy: submitRequestedBy,
		Reason:      submitReason,
		Action:      submitAction,
		Command:     submitCommand,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.RequestedBy == "" {
		if u := os.Getenv("USER"); u != "" {
			req.RequestedBy = u
		}
	}
	if strings.TrimSpace(submitArgs) != "" {
		if !json.Valid([]byte(submitArgs)) {
			return mediator.Request{}, errors.New("--args is not valid JSON")
		}
		req.Args = json.RawMessage(submitArgs)
	}
	return req, nil
}

func submitRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := buildRequest()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if submitInbox {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		name := filequeue.ResponseFileName(req.RequestID)
		path := filepath.Join(cfg.InboxDir, name)
		if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0600); err != nil {
			return fmt.Errorf("failed to queue request: %w", err)
		}
		fmt.Fprintf(out, "queued %s\n", req.RequestID)
		fmt.Fprintf(out, "response: %s\n", filepath.Join(cfg.OutboxDir, name))
		return nil
	}

	client := &socket.Client{Path: cfg.SocketPath, Timeout: cfg.Exec.Timeout + cfg.Socket.ReadTimeout}
	resp, err := client.Send(req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
