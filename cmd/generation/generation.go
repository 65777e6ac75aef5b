package generation

import (
	"encoding/json"
	"fmt"

	"github.com/comfygate/comfygate/pkg/client"
	"github.com/spf13/cobra"
)

var gatewayURL string

// Cmd is the parent command for generation operations against a
// running gateway.
var Cmd = &cobra.Command{
	Use:   "generation",
	Short: "Submit and inspect generations",
}

func init() {
	Cmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:8080", "gateway base URL")
	Cmd.AddCommand(submitCmd, getCmd, listCmd, requeueCmd, deleteCmd)
}

func api() client.Comfygate {
	return client.New(gatewayURL)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(buf))
	return err
}
