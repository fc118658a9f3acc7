package hardware

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Dependency is an external tool the agent can use.
type Dependency struct {
	Name        string // Name of the dependency
	Package     string // Package name to install
	Command     string // Command looked up on PATH
	Optional    bool
	Description string
	Vendors     []string // GPU vendors that need it; empty means always
}

// DependencyStatus is the outcome of checking one dependency.
type DependencyStatus struct {
	Dependency
	Found bool
	Path  string
}

var (
	// CommonDependencies are checked on every host.
	CommonDependencies = []Dependency{
		{
			Name:        "lspci",
			Package:     "pciutils",
			Command:     "lspci",
			Optional:    true,
			Description: "PCI device detection",
		},
	}

	// GPUDependencies are checked when a matching GPU is on the PCI bus.
	GPUDependencies = []Dependency{
		{
			Name:        "NVIDIA Driver",
			Package:     "nvidia-driver",
			Command:     "nvidia-smi",
			Optional:    false,
			Description: "NVIDIA GPU detection and telemetry",
			Vendors:     []string{VendorNVIDIAPCI},
		},
	}
)

// VendorNVIDIAPCI is the vendor name reported by the PCI probe.
const VendorNVIDIAPCI = "NVIDIA"

// Checker inspects the host for the tools in CommonDependencies and
// GPUDependencies plus any extra commands such as the task runner.
type Checker struct {
	LookPath func(file string) (string, error)
	// PCIVendors lists GPU vendors present on the bus.
	PCIVendors func() ([]string, error)
	Extra      []Dependency
}

// NewChecker returns a checker backed by PATH and lspci.
func NewChecker(extra ...Dependency) *Checker {
	return &Checker{LookPath: exec.LookPath, PCIVendors: detectGPUVendors, Extra: extra}
}

// Check reports every applicable dependency and returns installation
// instructions for the missing ones. The error lists missing required
// dependencies.
func (c *Checker) Check() ([]DependencyStatus, []string, error) {
	if runtime.GOOS != "linux" {
		return nil, nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	vendors, err := c.PCIVendors()
	if err != nil {
		debug.Warning("Failed to detect GPU vendors: %v", err)
	}

	deps := append([]Dependency{}, CommonDependencies...)
	for _, dep := range GPUDependencies {
		if shouldCheckDependency(dep, vendors) {
			deps = append(deps, dep)
		}
	}
	deps = append(deps, c.Extra...)

	var (
		statuses     []DependencyStatus
		missing      []string
		instructions []string
	)
	for _, dep := range deps {
		st := DependencyStatus{Dependency: dep}
		if path, err := c.LookPath(dep.Command); err == nil {
			st.Found = true
			st.Path = path
		} else {
			debug.Warning("Missing dependency: %s (optional=%v)", dep.Name, dep.Optional)
			if !dep.Optional {
				missing = append(missing, dep.Name)
			}
			if dep.Package != "" {
				instructions = append(instructions, fmt.Sprintf("# Install %s (%s)", dep.Name, dep.Description))
				instructions = append(instructions, fmt.Sprintf("sudo apt-get install %s", dep.Package))
			}
		}
		statuses = append(statuses, st)
	}

	if len(missing) > 0 {
		return statuses, instructions, fmt.Errorf("missing required dependencies: %s", strings.Join(missing, ", "))
	}
	return statuses, instructions, nil
}

// detectGPUVendors uses lspci to find NVIDIA display devices.
func detectGPUVendors() ([]string, error) {
	if _, err := exec.LookPath("lspci"); err != nil {
		return nil, err
	}
	var vendors []string
	output, err := exec.Command("lspci", "-d", "10de:", "-nn").Output()
	if err != nil {
		return nil, err
	}
	if len(output) > 0 {
		vendors = append(vendors, VendorNVIDIAPCI)
	}
	return vendors, nil
}

func shouldCheckDependency(dep Dependency, vendors []string) bool {
	if len(dep.Vendors) == 0 {
		return true
	}
	for _, vendor := range dep.Vendors {
		for _, detected := range vendors {
			if vendor == detected {
				return true
			}
		}
	}
	return false
}
