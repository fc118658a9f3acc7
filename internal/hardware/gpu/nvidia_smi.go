package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/orbanhq/orban-agent/pkg/debug"
)

const (
	smiDeviceQuery  = "index,uuid,name,memory.total,compute_cap,power.limit,driver_version"
	smiReadingQuery = "index,utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw,fan.speed"
	smiTimeout      = 10 * time.Second
)

// SMIDetector shells out to nvidia-smi.
type SMIDetector struct {
	binary string
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSMIDetector returns a detector using nvidia-smi from PATH.
func NewSMIDetector() *SMIDetector {
	return &SMIDetector{
		binary: "nvidia-smi",
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (n *SMIDetector) Name() string { return "nvidia-smi" }

func (n *SMIDetector) Available() bool {
	if _, err := exec.LookPath(n.binary); err != nil {
		debug.Debug("nvidia-smi not found: %v", err)
		return false
	}
	return true
}

func (n *SMIDetector) query(fields string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), smiTimeout)
	defer cancel()
	out, err := n.run(ctx, n.binary, "--query-gpu="+fields, "--format=csv,noheader,nounits")
	if err != nil {
		return "", fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return string(out), nil
}

func (n *SMIDetector) Devices() ([]Device, error) {
	out, err := n.query(smiDeviceQuery)
	if err != nil {
		return nil, err
	}
	devices := parseSMIDevices(out)
	debug.Info("Found %d NVIDIA GPUs using nvidia-smi", len(devices))
	return devices, nil
}

func (n *SMIDetector) Readings() ([]Reading, error) {
	out, err := n.query(smiReadingQuery)
	if err != nil {
		return nil, err
	}
	return parseSMIReadings(out), nil
}

func (n *SMIDetector) Close() error { return nil }

func splitCSV(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// parseNumber accepts nvidia-smi numeric fields; "[N/A]" and friends are 0.
func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func mibToGB(mib float64) float64 {
	return mib / 1024
}

func parseSMIDevices(out string) []Device {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := splitCSV(scanner.Text())
		if len(fields) < 7 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			debug.Warning("Failed to parse GPU index %q: %v", fields[0], err)
			continue
		}
		d := Device{
			Index:       idx,
			UUID:        fields[1],
			Vendor:      VendorNVIDIA,
			Model:       fields[2],
			VRAMGB:      mibToGB(parseNumber(fields[3])),
			PowerLimitW: parseNumber(fields[5]),
			Driver:      fields[6],
		}
		if parseNumber(fields[4]) > 0 {
			d.ComputeCapability = fields[4]
		}
		debug.Debug("Found NVIDIA GPU %d: %s (%.1f GB)", d.Index, d.Model, d.VRAMGB)
		devices = append(devices, d)
	}
	return devices
}

func parseSMIReadings(out string) []Reading {
	var readings []Reading
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := splitCSV(scanner.Text())
		if len(fields) < 7 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		readings = append(readings, Reading{
			Index:           idx,
			Utilization:     parseNumber(fields[1]),
			MemoryUsedGB:    mibToGB(parseNumber(fields[2])),
			MemoryTotalGB:   mibToGB(parseNumber(fields[3])),
			TemperatureC:    parseNumber(fields[4]),
			PowerDrawW:      parseNumber(fields[5]),
			FanSpeedPercent: parseNumber(fields[6]),
		})
	}
	return readings
}
