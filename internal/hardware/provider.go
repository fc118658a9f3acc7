/*
 * Package hardware reports the host inventory and live telemetry.
 *
 * GPUs come from NVML when the binary is built with cgo, otherwise from
 * nvidia-smi. CPU and memory come from gopsutil. A host without GPUs is
 * not an error: it registers with an empty GPU list.
 */
package hardware

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/hardware/gpu"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/tasks"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// GPUSource is satisfied by *gpu.Factory.
type GPUSource interface {
	Devices() ([]gpu.Device, error)
	Readings() ([]gpu.Reading, error)
	Close() error
}

// Options configures a Provider.
type Options struct {
	ReservedVRAMGB float64
	Frameworks     []string
	FP16           bool
	MaxConcurrent  int
	// GPUs overrides detection, mainly for tests.
	GPUs GPUSource
}

// OptionsFromConfig copies the capability settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReservedVRAMGB: cfg.Tasks.ReservedVRAMGB,
		Frameworks:     cfg.Tasks.Frameworks,
		FP16:           cfg.Tasks.FP16,
		MaxConcurrent:  cfg.Tasks.MaxConcurrent,
	}
}

// Provider answers hardware questions for registration, telemetry and
// task admission.
type Provider struct {
	opts Options
	gpus GPUSource

	mu      sync.Mutex
	devices []gpu.Device
	scanned bool
}

// NewProvider creates a provider. Detection runs lazily on first use.
func NewProvider(opts Options) *Provider {
	src := opts.GPUs
	if src == nil {
		src = gpu.NewFactory()
	}
	return &Provider{opts: opts, gpus: src}
}

// Devices returns the cached GPU inventory.
func (p *Provider) Devices() []gpu.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.scanned {
		devices, err := p.gpus.Devices()
		if err != nil {
			debug.Error("Failed to enumerate GPUs: %v", err)
		}
		p.devices = devices
		p.scanned = true
	}
	return append([]gpu.Device(nil), p.devices...)
}

// Rescan drops the cached inventory.
func (p *Provider) Rescan() {
	p.mu.Lock()
	p.scanned = false
	p.mu.Unlock()
}

// HardwareInfo builds the AGENT_REGISTER hardware section.
func (p *Provider) HardwareInfo(ctx context.Context) (protocol.HardwareInfo, error) {
	info := protocol.HardwareInfo{OS: runtime.GOOS}

	for _, d := range p.Devices() {
		info.GPUs = append(info.GPUs, protocol.GPUInfo{
			Index:             d.Index,
			UUID:              d.UUID,
			Model:             d.Model,
			VRAMGB:            d.VRAMGB,
			ComputeCapability: d.ComputeCapability,
			PowerLimitW:       d.PowerLimitW,
		})
		if info.DriverVersion == "" {
			info.DriverVersion = d.Driver
		}
	}
	if info.GPUs == nil {
		info.GPUs = []protocol.GPUInfo{}
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	} else if err != nil {
		debug.Warning("Failed to read CPU info: %v", err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = n
	} else {
		info.CPUCores = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryGB = float64(vm.Total) / (1 << 30)
	} else {
		return info, fmt.Errorf("failed to read memory info: %w", err)
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.OS = strings.TrimSpace(fmt.Sprintf("%s %s %s", h.OS, h.Platform, h.PlatformVersion))
	}
	return info, nil
}

// Capabilities builds the AGENT_REGISTER capabilities section.
func (p *Provider) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Frameworks:         append([]string(nil), p.opts.Frameworks...),
		FP16:               p.opts.FP16,
		MaxConcurrentTasks: p.opts.MaxConcurrent,
		ReservedVRAMGB:     p.opts.ReservedVRAMGB,
	}
}

// GPUStatus reads every GPU once.
func (p *Provider) GPUStatus(ctx context.Context) ([]protocol.GPUStatus, error) {
	readings, err := p.gpus.Readings()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.GPUStatus, 0, len(readings))
	for _, r := range readings {
		out = append(out, protocol.GPUStatus{
			Index:           r.Index,
			Utilization:     r.Utilization,
			MemoryUsedGB:    r.MemoryUsedGB,
			MemoryTotalGB:   r.MemoryTotalGB,
			TemperatureC:    r.TemperatureC,
			PowerDrawW:      r.PowerDrawW,
			FanSpeedPercent: r.FanSpeedPercent,
		})
	}
	return out, nil
}

// Sample takes one telemetry reading of the whole host.
func (p *Provider) Sample(ctx context.Context) (protocol.MetricsSample, error) {
	s := protocol.MetricsSample{Time: time.Now().UTC()}

	gpus, err := p.GPUStatus(ctx)
	if err != nil {
		debug.Warning("Failed to read GPU telemetry: %v", err)
	}
	s.GPUs = gpus

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		debug.Error("Failed to get CPU usage: %v", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemPercent = vm.UsedPercent
	} else {
		debug.Error("Failed to get memory info: %v", err)
	}
	return s, nil
}

// Resources reports what the best single GPU can offer a new task, after
// the configured reserve.
func (p *Provider) Resources(ctx context.Context) tasks.Resources {
	res := tasks.Resources{
		Frameworks: p.opts.Frameworks,
		FP16:       p.opts.FP16,
	}
	devices := p.Devices()
	readings, err := p.gpus.Readings()
	if err != nil {
		debug.Warning("Failed to read GPU memory, assuming devices are idle: %v", err)
	}
	used := make(map[int]float64, len(readings))
	for _, r := range readings {
		used[r.Index] = r.MemoryUsedGB
	}

	for _, d := range devices {
		free := d.VRAMGB - used[d.Index] - p.opts.ReservedVRAMGB
		if free > res.FreeVRAMGB {
			res.FreeVRAMGB = free
		}
		if res.ComputeCapability == "" || capabilityLess(res.ComputeCapability, d.ComputeCapability) {
			res.ComputeCapability = d.ComputeCapability
		}
	}
	return res
}

// DeviceSignature identifies the primary GPU in POW_RESPONSE.
func (p *Provider) DeviceSignature() protocol.DeviceSignature {
	devices := p.Devices()
	if len(devices) == 0 {
		return protocol.DeviceSignature{Model: "cpu"}
	}
	return protocol.DeviceSignature{DeviceUUID: devices[0].UUID, Model: devices[0].Model}
}

// Close releases GPU handles.
func (p *Provider) Close() error {
	debug.Info("Cleaning up hardware provider")
	return p.gpus.Close()
}

func capabilityLess(a, b string) bool {
	return tasks.CheckRequirements(protocol.TaskRequirements{MinComputeCapability: b}, tasks.Resources{ComputeCapability: a, FreeVRAMGB: 1}) != nil
}
