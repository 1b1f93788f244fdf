package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "sheetline",
		Short:        "Operate the ingestion pipeline from the command line",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file for stack commands")
	root.AddCommand(
		newStackCmd(),
		newUploadCmd(),
		newStatusCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sheetline: %v\n", err)
		os.Exit(1)
	}
}

// newStackCmd groups the local stack lifecycle: Postgres, Redis, MinIO and
// the two services defined in the compose file.
func newStackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Manage the local docker-compose stack",
	}

	var rebuild bool
	up := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the stack in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := []string{"up", "-d"}
			if rebuild {
				extra = append(extra, "--build")
			}
			return compose(cmd.Context(), append(extra, args...)...)
		},
	}
	up.Flags().BoolVar(&rebuild, "build", false, "Rebuild images before starting")

	var keepVolumes bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Stop the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := []string{"down"}
			if !keepVolumes {
				extra = append(extra, "-v")
			}
			return compose(cmd.Context(), extra...)
		},
	}
	down.Flags().BoolVar(&keepVolumes, "keep-volumes", false, "Leave the data volumes in place")

	logs := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Follow service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose(cmd.Context(), append([]string{"logs", "-f"}, args...)...)
		},
	}

	cmd.AddCommand(up, down, logs)
	return cmd
}

func compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", composeFile}, args...)
	c := exec.CommandContext(ctx, "docker", full...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	return c.Run()
}
