package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ably/cli-terminal-server/internal/probe"
)

// NewProbeCommand builds the diagnostic probe: a scripted client that
// opens a real session against a running server, types a command and
// verifies the shell responds. Exit status reports the result, so it
// slots into health checks and deploy pipelines.
func NewProbeCommand() *cobra.Command {
	var (
		url         string
		apiKey      string
		accessToken string
		command     string
		expect      string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:     "probe",
		Short:   "Open a real session against a running server and verify the shell responds",
		Example: "terminal-server probe --url=ws://localhost:8080/terminal --command=help --expect=COMMANDS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("ABLY_API_KEY")
			}
			if accessToken == "" {
				accessToken = os.Getenv("ABLY_ACCESS_TOKEN")
			}
			if apiKey == "" || accessToken == "" {
				return errors.New("credentials required: set --api-key/--access-token or ABLY_API_KEY/ABLY_ACCESS_TOKEN")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return runProbe(ctx, url, apiKey, accessToken, command, expect)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/terminal", "Terminal endpoint URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Ably API key (defaults to ABLY_API_KEY)")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "Ably access token (defaults to ABLY_ACCESS_TOKEN)")
	cmd.Flags().StringVar(&command, "command", "help", "Command to type into the shell")
	cmd.Flags().StringVar(&expect, "expect", "COMMANDS", "Substring expected in the command's output")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall probe deadline")

	return cmd
}

func runProbe(ctx context.Context, url, apiKey, accessToken, command, expect string) error {
	client, err := probe.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Auth(apiKey, accessToken, "", nil); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	hello, err := client.ExpectHello(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("session %s established\n", hello.SessionID)

	// The sandbox shell prints a prompt once it is ready for input.
	if err := client.WaitForOutput(ctx, "$"); err != nil {
		return err
	}

	if err := client.SendLine(command); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	if err := client.WaitForOutput(ctx, expect); err != nil {
		return err
	}

	fmt.Printf("probe ok: %q answered with %q\n", command, expect)
	return nil
}
