//go:build !linux || !cgo

package gpu

// NVML needs cgo; without it only nvidia-smi is used.
func newNVMLDetector() Detector {
	return nil
}
