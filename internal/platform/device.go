package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Precision mirrors the numeric type the model runs in on each device.
func (d Device) Precision() string {
	if d == DeviceCUDA {
		return "float16"
	}
	return "float32"
}

type GPU struct {
	Name          string
	DriverVersion string
	MemoryTotal   string
}

type DeviceInfo struct {
	Device Device
	Forced bool
	GPUs   []GPU
}

// CommandRunner executes a probe command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

var ErrNoGPU = errors.New("no cuda device detected")

func ExecRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DetectDevice picks cuda when nvidia-smi reports at least one GPU and
// forceCPU is not set.
func DetectDevice(ctx context.Context, forceCPU bool, run CommandRunner) DeviceInfo {
	if forceCPU {
		return DeviceInfo{Device: DeviceCPU, Forced: true}
	}
	if run == nil {
		run = ExecRunner
	}

	gpus, err := QueryGPUs(ctx, run)
	if err != nil || len(gpus) == 0 {
		return DeviceInfo{Device: DeviceCPU}
	}
	return DeviceInfo{Device: DeviceCUDA, GPUs: gpus}
}

func QueryGPUs(ctx context.Context, run CommandRunner) ([]GPU, error) {
	out, err := run(ctx, "nvidia-smi", "--query-gpu=name,driver_version,memory.total", "--format=csv,noheader")
	if err != nil {
		return nil, fmt.Errorf("query nvidia-smi: %w", err)
	}
	gpus := parseGPUList(out)
	if len(gpus) == 0 {
		return nil, ErrNoGPU
	}
	return gpus, nil
}

func parseGPUList(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		gpu := GPU{Name: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			gpu.DriverVersion = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			gpu.MemoryTotal = strings.TrimSpace(fields[2])
		}
		if gpu.Name != "" {
			gpus = append(gpus, gpu)
		}
	}
	return gpus
}

type HostInfo struct {
	CPUModel     string
	LogicalCores int
	MemoryTotal  uint64
}

func DescribeHost(ctx context.Context) (HostInfo, error) {
	var info HostInfo

	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("read cpu info: %w", err)
	}
	if len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HostInfo{}, fmt.Errorf("count cpu cores: %w", err)
	}
	info.LogicalCores = cores

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("read memory info: %w", err)
	}
	info.MemoryTotal = vm.Total

	return info, nil
}
