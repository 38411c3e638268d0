// Package remediation implements the DPU-side remediation executor loop
// and the server-side remediation catalog of spec.md C11 / §4.11.
package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/carbide-infra/carbide/internal/model"
)

const (
	initialDelayMin = 48 * time.Second
	initialDelayMax = 72 * time.Second
	loopDelayMin    = 240 * time.Second
	loopDelayMax    = 360 * time.Second
	scriptTimeout   = 120 * time.Second
)

// Client is the subset of the Carbide API the executor needs: polling for
// work and reporting the outcome back.
type Client interface {
	GetNextRemediationForMachine(ctx context.Context, machineID model.MachineId) (remediationID, script string, ok bool, err error)
	RemediationApplied(ctx context.Context, remediationID string, dpuID model.MachineId, succeeded bool, metadata map[string]string) error
}

// Executor runs the per-DPU remediation poll loop.
type Executor struct {
	Client    Client
	MachineID model.MachineId
	Log       logr.Logger
	// TempDir is the parent directory for per-run scratch directories;
	// empty means os.TempDir().
	TempDir string
}

// Run blocks, polling for and applying remediations, until ctx is
// cancelled. The random initial and per-loop delays exist purely to avoid
// a thundering herd of DPUs polling the API server in lockstep after a
// fleet-wide restart (spec.md §4.11 step 1).
func (e *Executor) Run(ctx context.Context) error {
	if err := sleepFor(ctx, randDuration(initialDelayMin, initialDelayMax)); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.runOnce(ctx)
		if err := sleepFor(ctx, randDuration(loopDelayMin, loopDelayMax)); err != nil {
			return err
		}
	}
}

func (e *Executor) runOnce(ctx context.Context) {
	remediationID, script, ok, err := e.Client.GetNextRemediationForMachine(ctx, e.MachineID)
	if err != nil {
		e.Log.Error(err, "failed to poll for next remediation")
		return
	}
	if !ok {
		return
	}

	succeeded, status := e.execute(ctx, script)
	if err := e.Client.RemediationApplied(ctx, remediationID, e.MachineID, succeeded, status); err != nil {
		e.Log.Error(err, "failed to report remediation result", "remediationID", remediationID)
	}
}

// execute runs script in a fresh UUID-named scratch directory via an OS
// shell, enforcing the hard timeout, and returns the parsed status map
// (spec.md §4.11 steps 3-4).
func (e *Executor) execute(ctx context.Context, script string) (succeeded bool, status map[string]string) {
	base := e.TempDir
	if base == "" {
		base = os.TempDir()
	}
	runDir := filepath.Join(base, uuid.New().String())
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		e.Log.Error(err, "failed to create remediation scratch directory")
		return false, map[string]string{"status": fmt.Sprintf("failed to create scratch directory: %v", err)}
	}
	defer os.RemoveAll(runDir)

	stdoutPath := filepath.Join(runDir, "stdout")
	stderrPath := filepath.Join(runDir, "stderr")
	statusPath := filepath.Join(runDir, "status")

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return false, map[string]string{"status": fmt.Sprintf("failed to create stdout file: %v", err)}
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return false, map[string]string{"status": fmt.Sprintf("failed to create stderr file: %v", err)}
	}
	defer stderr.Close()

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", script)
	cmd.Env = append(os.Environ(),
		"FORGE_MACHINE_ID="+e.MachineID.String(),
		"FORGE_SCRIPT_JSON_STATUS_PATH="+statusPath,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return false, map[string]string{"status": "timed out after 120s"}
	case errors.As(runErr, &exitErr):
		// The script ran to completion and reported failure through its exit
		// code; it owns its own status/labels, so don't synthesize one.
		return false, readStatusOr(statusPath, map[string]string{})
	case runErr != nil:
		return false, map[string]string{"status": fmt.Sprintf("failed to run script: %v", runErr)}
	default:
		return true, readStatusOr(statusPath, map[string]string{})
	}
}

// readStatusOr parses the script's status file as a flat string map,
// falling back to fallback when the file is absent or malformed.
func readStatusOr(path string, fallback map[string]string) map[string]string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var parsed map[string]string
	if err := json.Unmarshal(bytes.TrimSpace(raw), &parsed); err != nil {
		return fallback
	}
	return parsed
}

func randDuration(min, max time.Duration) time.Duration {
	span := int64(max - min)
	if span <= 0 {
		return min
	}
	return min + time.Duration(rand.Int64N(span+1))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
