// Package detector probes the available WebGPU adapter and reports its
// compute capabilities, so callers can pick workgroup sizes and staging
// budgets before building pipelines.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string          `json:"when_iso"`
	Runtime     string          `json:"runtime"` // "native" or "wasm" (best-effort)
	Backend     string          `json:"backend"`
	AdapterType string          `json:"adapter_type"`
	VendorID    string          `json:"vendor_id_hex"`
	DeviceID    string          `json:"device_id_hex"`
	Name        string          `json:"name"`
	Driver      string          `json:"driver"`
	Recommended Recommendations `json:"recommended"`
	Limits      Limits          `json:"limits"`
}

// Limits is the subset of adapter limits the fusion kernels care about.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Recommendations carries conservative dispatch defaults derived from the
// adapter limits.
type Recommendations struct {
	// 1D workgroup that should run everywhere.
	WorkgroupX uint32 `json:"workgroup_x"`

	// Soft VRAM/heap budget in bytes for staging + temps.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect probes the default adapter and synthesizes a report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	budget := uint64(128 * 1024 * 1024)
	if mbStr := os.Getenv("PLAIT_BUDGET_MB"); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			budget = uint64(mb) * 1024 * 1024
		}
	}

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Recommended: Recommendations{
			WorkgroupX:  chooseWorkgroup(limits),
			BudgetBytes: budget,
		},
	}

	return rep, nil
}

func chooseWorkgroup(l wgpu.SupportedLimits) uint32 {
	maxX := l.Limits.MaxComputeWorkgroupSizeX
	maxTot := l.Limits.MaxComputeInvocationsPerWorkgroup

	candidates := []uint32{256, 128, 64, 32, 16, 8, 4, 1}
	for _, c := range candidates {
		if c <= maxX && c <= maxTot {
			return c
		}
	}
	// absolute portability fallback
	return 1
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}
