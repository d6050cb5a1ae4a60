package daemon

import (
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetadata describes the machine a candidate runs on.
func HostMetadata() map[string]string {
	md := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cpus": strconv.Itoa(runtime.NumCPU()),
	}

	if info, err := host.Info(); err == nil {
		md["hostname"] = info.Hostname
		md["platform"] = info.Platform
		md["platform_version"] = info.PlatformVersion
		md["kernel"] = info.KernelVersion
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		md["memory_mb"] = strconv.FormatUint(vm.Total/1024/1024, 10)
	}
	return md
}
