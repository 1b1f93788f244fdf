package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var apiURL string

// newUploadCmd posts a bundle to a running API server and prints the
// acknowledgement.
func newUploadCmd() *cobra.Command {
	var notify string
	cmd := &cobra.Command{
		Use:   "upload <bundle>",
		Short: "Upload a bundle (zip or single spreadsheet) to the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := resty.New().SetBaseURL(apiURL)
			req := client.R().
				SetContext(cmd.Context()).
				SetFile("file", args[0])
			if notify != "" {
				req.SetFormData(map[string]string{"notify": notify})
			}
			resp, err := req.Post("/bundles")
			if err != nil {
				return fmt.Errorf("upload %s: %w", filepath.Base(args[0]), err)
			}
			if resp.IsError() {
				return fmt.Errorf("upload %s: %s: %s", filepath.Base(args[0]), resp.Status(), resp.String())
			}
			fmt.Fprintln(os.Stdout, resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the API server")
	cmd.Flags().StringVar(&notify, "notify", "", "Email address for completion notifications")
	return cmd
}

// newStatusCmd fetches a batch and pretty-prints it.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show a batch and the state of its file entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := resty.New().SetBaseURL(apiURL)
			resp, err := client.R().SetContext(cmd.Context()).Get("/batches/" + args[0])
			if err != nil {
				return fmt.Errorf("fetch batch %s: %w", args[0], err)
			}
			if resp.IsError() {
				return fmt.Errorf("fetch batch %s: %s", args[0], resp.Status())
			}
			var pretty json.RawMessage = resp.Body()
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				fmt.Fprintln(os.Stdout, resp.String())
				return nil
			}
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the API server")
	return cmd
}
