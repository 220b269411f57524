// SPDX-License-Identifier: MIT

package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/fastgpu/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	queryDevices     = "--query-gpu=index,uuid,name,memory.used,memory.total"
	queryComputeApps = "--query-compute-apps=gpu_uuid,pid"
	csvFormat        = "--format=csv,noheader,nounits"
)

// CommandRunner executes a binary and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// NvidiaSMI probes devices by shelling out to nvidia-smi.
type NvidiaSMI struct {
	Binary  string
	Timeout time.Duration
	Run     CommandRunner
	Logger  zerolog.Logger
}

// NewNvidiaSMI returns a probe using the given nvidia-smi binary.
func NewNvidiaSMI(binary string, logger zerolog.Logger) *NvidiaSMI {
	if binary == "" {
		binary = "nvidia-smi"
	}
	return &NvidiaSMI{
		Binary:  binary,
		Timeout: 10 * time.Second,
		Run:     ExecRunner,
		Logger:  logger,
	}
}

func (n *NvidiaSMI) query(ctx context.Context, args ...string) ([][]string, error) {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	out, err := n.Run(ctx, n.Binary, args...)
	if err != nil {
		return nil, err
	}
	return parseCSV(out)
}

// Devices implements Probe.
func (n *NvidiaSMI) Devices(ctx context.Context) ([]Device, error) {
	rows, err := n.query(ctx, queryDevices, csvFormat)
	if err != nil {
		metrics.RecordProbeError("devices")
		return nil, fmt.Errorf("query devices: %w", err)
	}

	devices := make([]Device, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("query devices: unexpected row %q", row)
		}
		idx, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("query devices: index %q: %w", row[0], err)
		}
		d := Device{Index: idx, UUID: row[1], Name: row[2]}
		// Memory columns read "[N/A]" on some boards; keep zero then.
		d.MemoryUsedMiB, _ = strconv.ParseInt(row[3], 10, 64)
		d.MemoryTotalMiB, _ = strconv.ParseInt(row[4], 10, 64)
		metrics.UpdateGPUMemory(d.Index, d.MemoryUsedMiB, d.MemoryTotalMiB)
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	return devices, nil
}

// BusyDevices implements Probe. A device is busy while any compute process runs on it.
func (n *NvidiaSMI) BusyDevices(ctx context.Context) (map[int]bool, error) {
	devices, err := n.Devices(ctx)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]int, len(devices))
	busy := make(map[int]bool, len(devices))
	for _, d := range devices {
		byUUID[d.UUID] = d.Index
		busy[d.Index] = false
	}

	rows, err := n.query(ctx, queryComputeApps, csvFormat)
	if err != nil {
		metrics.RecordProbeError("compute_apps")
		return nil, fmt.Errorf("query compute apps: %w", err)
	}
	for _, row := range rows {
		idx, ok := byUUID[row[0]]
		if !ok {
			n.Logger.Debug().Str("uuid", row[0]).Msg("compute app on unknown device")
			continue
		}
		busy[idx] = true
	}
	for idx, b := range busy {
		metrics.SetGPUBusy(idx, b)
	}
	return busy, nil
}

// parseCSV reads nvidia-smi's noheader CSV. Informational lines such as
// "No running processes found" are skipped.
func parseCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi output: %w", err)
		}
		if len(rec) == 1 && strings.HasPrefix(strings.TrimSpace(rec[0]), "No ") {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
