// Command carbide-dpu-agent runs the per-DPU remediation poll loop of
// spec.md C11 / §4.11 against a carbide-controller's API surface.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/remediation"
)

func main() {
	if err := newRunCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var (
		controllerAddr string
		productSerial  string
		boardSerial    string
		chassisSerial  string
		tempDir        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the controller for remediations and apply them",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.New(zap.JSONEncoder(func(o *zapcore.EncoderConfig) {
				o.EncodeTime = zapcore.RFC3339TimeEncoder
			}))

			machineID, err := model.DeriveMachineId(model.MachineKindDpu, model.HardwareFingerprint{
				ProductSerial: productSerial,
				BoardSerial:   boardSerial,
				ChassisSerial: chassisSerial,
			})
			if err != nil {
				return fmt.Errorf("derive dpu machine id: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			executor := &remediation.Executor{
				Client:    &apiClient{baseURL: controllerAddr, httpClient: http.DefaultClient},
				MachineID: machineID,
				Log:       log,
				TempDir:   tempDir,
			}
			return executor.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&controllerAddr, "controller-addr", "http://localhost:8443", "base URL of the carbide-controller API")
	cmd.Flags().StringVar(&productSerial, "product-serial", "", "product serial used to derive this DPU's machine id")
	cmd.Flags().StringVar(&boardSerial, "board-serial", "", "board serial used to derive this DPU's machine id")
	cmd.Flags().StringVar(&chassisSerial, "chassis-serial", "", "chassis serial used to derive this DPU's machine id")
	cmd.Flags().StringVar(&tempDir, "temp-dir", "", "scratch directory for remediation script runs (default os.TempDir())")

	return cmd
}

// apiClient implements remediation.Client over internal/apiserver's HTTP
// surface.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

type nextRemediationResponse struct {
	RemediationID string `json:"remediation_id"`
	Script        string `json:"script"`
	Found         bool   `json:"found"`
}

func (c *apiClient) GetNextRemediationForMachine(ctx context.Context, machineID model.MachineId) (string, string, bool, error) {
	url := fmt.Sprintf("%s/v1/remediations/next?dpu_id=%s", c.baseURL, machineID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf("carbide-dpu-agent: GetNextRemediationForMachine: unexpected status %d", resp.StatusCode)
	}

	var body nextRemediationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", false, err
	}
	return body.RemediationID, body.Script, body.Found, nil
}

type remediationAppliedRequest struct {
	RemediationID string            `json:"remediation_id"`
	DpuID         string            `json:"dpu_id"`
	Succeeded     bool              `json:"succeeded"`
	Metadata      map[string]string `json:"metadata"`
}

func (c *apiClient) RemediationApplied(ctx context.Context, remediationID string, dpuID model.MachineId, succeeded bool, metadata map[string]string) error {
	payload, err := json.Marshal(remediationAppliedRequest{
		RemediationID: remediationID,
		DpuID:         dpuID.String(),
		Succeeded:     succeeded,
		Metadata:      metadata,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/remediations/applied", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("carbide-dpu-agent: RemediationApplied: unexpected status %d", resp.StatusCode)
	}
	return nil
}
