// Package gpu enumerates GPUs and reads their live telemetry.
package gpu

import (
	"sort"
	"sync"

	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Vendor identifies a GPU manufacturer.
type Vendor string

const (
	VendorNVIDIA Vendor = "NVIDIA"
)

// Device is the static description of one GPU.
type Device struct {
	Index             int
	UUID              string
	Vendor            Vendor
	Model             string
	VRAMGB            float64
	ComputeCapability string
	PowerLimitW       float64
	Driver            string
}

// Reading is one telemetry sample for a device.
type Reading struct {
	Index           int
	Utilization     float64
	MemoryUsedGB    float64
	MemoryTotalGB   float64
	TemperatureC    float64
	PowerDrawW      float64
	FanSpeedPercent float64
}

// FreeGB is the unallocated device memory.
func (r Reading) FreeGB() float64 {
	free := r.MemoryTotalGB - r.MemoryUsedGB
	if free < 0 {
		return 0
	}
	return free
}

// Detector is one way of talking to GPUs of a vendor.
type Detector interface {
	Name() string
	Available() bool
	Devices() ([]Device, error)
	Readings() ([]Reading, error)
	Close() error
}

// Factory picks the first available detector. It is safe for concurrent use.
type Factory struct {
	mu         sync.Mutex
	candidates []Detector
	active     Detector
	probed     bool
}

// NewFactory tries NVML first and nvidia-smi second.
func NewFactory() *Factory {
	var candidates []Detector
	if d := newNVMLDetector(); d != nil {
		candidates = append(candidates, d)
	}
	candidates = append(candidates, NewSMIDetector())
	return NewFactoryWith(candidates...)
}

// NewFactoryWith uses the given detectors in order.
func NewFactoryWith(detectors ...Detector) *Factory {
	return &Factory{candidates: detectors}
}

func (f *Factory) detector() Detector {
	if f.probed {
		return f.active
	}
	f.probed = true
	for _, d := range f.candidates {
		if d.Available() {
			debug.Info("Using %s for GPU detection", d.Name())
			f.active = d
			return d
		}
		debug.Debug("GPU detector %s not available", d.Name())
	}
	debug.Warning("No GPU detector available, reporting no GPUs")
	return nil
}

// Devices lists every GPU. No detector means no GPUs and no error.
func (f *Factory) Devices() ([]Device, error) {
	f.mu.Lock()
	d := f.detector()
	f.mu.Unlock()
	if d == nil {
		return nil, nil
	}
	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// Readings samples every GPU.
func (f *Factory) Readings() ([]Reading, error) {
	f.mu.Lock()
	d := f.detector()
	f.mu.Unlock()
	if d == nil {
		return nil, nil
	}
	readings, err := d.Readings()
	if err != nil {
		return nil, err
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Index < readings[j].Index })
	return readings, nil
}

// Close releases every detector.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.candidates {
		if err := d.Close(); err != nil {
			debug.Error("Failed to close %s detector: %v", d.Name(), err)
		}
	}
	return nil
}
