package generation

import (
	"encoding/json"

	gensvc "github.com/comfygate/comfygate/api/rest/service/generation"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	submitUser     string
	submitWorkflow string
	submitArgs     string
	submitDevice   string
	submitWebhook  string
	listUser       string
	listStatus     string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new generation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := &gensvc.SubmitRequest{
			UserID:      submitUser,
			WorkflowRef: submitWorkflow,
		}
		if submitArgs != "" {
			if err := json.Unmarshal([]byte(submitArgs), &req.Args); err != nil {
				return errors.Wrap(err, "invalid --args")
			}
		}
		if submitDevice != "" {
			req.DeviceID = &submitDevice
		}
		if submitWebhook != "" {
			req.WebhookURL = &submitWebhook
		}

		g, err := api().SubmitGeneration(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeJSON(cmd, g)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch one generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := api().GetGeneration(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd, g)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List generations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := api().ListGenerations(cmd.Context(), listUser, listStatus)
		if err != nil {
			return err
		}
		return writeJSON(cmd, out)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Put a generation back into the dispatch pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := api().RequeueGeneration(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd, g)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete a generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return api().DeleteGeneration(cmd.Context(), args[0])
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitUser, "user", "", "submitting user id")
	submitCmd.Flags().StringVar(&submitWorkflow, "workflow", "", "workflow reference")
	submitCmd.Flags().StringVar(&submitArgs, "args", "", "workflow arguments as JSON")
	submitCmd.Flags().StringVar(&submitDevice, "device", "", "pin to a specific device id")
	submitCmd.Flags().StringVar(&submitWebhook, "webhook", "", "webhook URL notified on completion")
	_ = submitCmd.MarkFlagRequired("user")
	_ = submitCmd.MarkFlagRequired("workflow")

	listCmd.Flags().StringVar(&listUser, "user", "", "filter by user id")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
}
