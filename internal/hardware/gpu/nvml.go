//go:build linux && cgo

package gpu

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/gpu-monitoring-tools/bindings/go/nvml"

	"github.com/orbanhq/orban-agent/pkg/debug"
)

// nvmlDetector reads devices through the NVIDIA management library.
type nvmlDetector struct {
	mu          sync.Mutex
	initialized bool
	driver      string
	devices     []*nvml.Device
}

func newNVMLDetector() Detector {
	return &nvmlDetector{}
}

func (n *nvmlDetector) Name() string { return "nvml" }

func (n *nvmlDetector) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return true
	}
	if err := nvml.Init(); err != nil {
		debug.Debug("NVML unavailable: %v", err)
		return false
	}
	n.initialized = true
	if v, err := nvml.GetDriverVersion(); err == nil {
		n.driver = v
	}
	return true
}

func (n *nvmlDetector) handles() ([]*nvml.Device, error) {
	if n.devices != nil {
		return n.devices, nil
	}
	count, err := nvml.GetDeviceCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count NVML devices: %w", err)
	}
	devices := make([]*nvml.Device, 0, count)
	for i := uint(0); i < count; i++ {
		d, err := nvml.NewDevice(i)
		if err != nil {
			debug.Warning("Failed to open GPU %d: %v", i, err)
			continue
		}
		devices = append(devices, d)
	}
	n.devices = devices
	return devices, nil
}

func (n *nvmlDetector) Devices() ([]Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	handles, err := n.handles()
	if err != nil {
		return nil, err
	}

	out := make([]Device, 0, len(handles))
	for i, d := range handles {
		dev := Device{Index: i, UUID: d.UUID, Vendor: VendorNVIDIA, Driver: n.driver}
		if d.Model != nil {
			dev.Model = *d.Model
		}
		if d.Memory != nil {
			dev.VRAMGB = mibToGB(float64(*d.Memory))
		}
		if d.Power != nil {
			dev.PowerLimitW = float64(*d.Power)
		}
		if cc := d.CudaComputeCapability; cc.Major != nil && cc.Minor != nil {
			dev.ComputeCapability = fmt.Sprintf("%d.%d", *cc.Major, *cc.Minor)
		}
		out = append(out, dev)
	}
	debug.Info("Found %d NVIDIA GPUs using NVML", len(out))
	return out, nil
}

func (n *nvmlDetector) Readings() ([]Reading, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	handles, err := n.handles()
	if err != nil {
		return nil, err
	}

	out := make([]Reading, 0, len(handles))
	for i, d := range handles {
		st, err := d.Status()
		if err != nil {
			debug.Warning("Failed to read status of GPU %d: %v", i, err)
			continue
		}
		r := Reading{Index: i}
		if st.Utilization.GPU != nil {
			r.Utilization = float64(*st.Utilization.GPU)
		}
		if st.Memory.Global.Used != nil {
			r.MemoryUsedGB = mibToGB(float64(*st.Memory.Global.Used))
		}
		if d.Memory != nil {
			r.MemoryTotalGB = mibToGB(float64(*d.Memory))
		}
		if st.Temperature != nil {
			r.TemperatureC = float64(*st.Temperature)
		}
		if st.Power != nil {
			r.PowerDrawW = float64(*st.Power)
		}
		if st.FanSpeed != nil {
			r.FanSpeedPercent = float64(*st.FanSpeed)
		}
		out = append(out, r)
	}
	return out, nil
}

func (n *nvmlDetector) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.initialized {
		return nil
	}
	n.initialized = false
	n.devices = nil
	return nvml.Shutdown()
}
