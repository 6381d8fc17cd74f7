// The enroll command submits a device enrollment to the control plane and
// reports the outcome: exit 0 when the device ends up fully provisioned,
// non-zero otherwise.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/urfave/cli/v2"

	"github.com/edgesec-org/trustplane/cmd/flags"
	"github.com/edgesec-org/trustplane/interfaces"
)

func main() {
	app := &cli.App{
		Name:      "enroll",
		Usage:     "Enroll a device into its tenant's trust plane",
		ArgsUsage: "<device_id>",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
			flags.SiteFlag,
			flags.TenantFlag,
			flags.PurposeFlag,
		},
		Action: runEnroll,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type enrollRequest struct {
	DeviceID string         `json:"device_id"`
	Site     string         `json:"site"`
	TenantID string         `json:"tenant_id"`
	Purpose  string         `json:"purpose"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type enrollResponse struct {
	DeviceID            string                  `json:"device_id"`
	State               string                  `json:"state"`
	Success             bool                    `json:"success"`
	Steps               []interfaces.StepResult `json:"steps,omitempty"`
	PartialCompensation bool                    `json:"partial_compensation,omitempty"`
	Error               *interfaces.ErrorInfo   `json:"error,omitempty"`
}

func runEnroll(cCtx *cli.Context) error {
	deviceID := cCtx.Args().First()
	if deviceID == "" {
		return cli.Exit("Usage: enroll <device_id>", 1)
	}

	payload, err := json.Marshal(enrollRequest{
		DeviceID: deviceID,
		Site:     cCtx.String(flags.SiteFlag.Name),
		TenantID: cCtx.String(flags.TenantFlag.Name),
		Purpose:  cCtx.String(flags.PurposeFlag.Name),
		Metadata: map[string]any{"source": "cli"},
	})
	if err != nil {
		return err
	}

	serverAddr := strings.TrimSuffix(cCtx.String(flags.ServerAddrFlag.Name), "/")
	client := cleanhttp.DefaultClient()
	client.Timeout = 5 * time.Minute

	resp, err := client.Post(serverAddr+"/api/v1/devices/enroll",
		"application/json", bytes.NewReader(payload))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error during enrollment: %v", err), 1)
	}
	defer resp.Body.Close()

	var result enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return cli.Exit(fmt.Sprintf("Error during enrollment: unexpected response (%s): %v", resp.Status, err), 1)
	}

	if !result.Success {
		msg := fmt.Sprintf("Failed to enroll device %s (state %s)", deviceID, result.State)
		if result.Error != nil {
			msg += ": " + result.Error.Message
		}
		return cli.Exit(msg, 1)
	}

	fmt.Printf("Device %s enrolled successfully.\n", deviceID)
	for _, step := range result.Steps {
		fmt.Printf("  %s: %s\n", step.Kind, step.Artifact)
	}
	return nil
}
