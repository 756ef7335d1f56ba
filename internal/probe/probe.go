package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Handle identifies the process that owns a listening socket.
type Handle struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Info is a point-in-time resource sample of one process.
type Info struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	StartedAt  time.Time `json:"started_at"`
}

// Prober answers "who listens on this port" and "is this pid alive" from OS state.
// It holds no bookkeeping of its own and is safe for concurrent use.
type Prober struct {
	allow []string

	connections func(ctx context.Context) ([]gnet.ConnectionStat, error)
	processName func(ctx context.Context, pid int32) (string, error)
}

// New returns a Prober that only reports listeners whose executable name
// contains one of allow (case-insensitive).
func New(allow []string) *Prober {
	lower := make([]string, 0, len(allow))
	for _, a := range allow {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lower = append(lower, a)
		}
	}
	return &Prober{
		allow: lower,
		connections: func(ctx context.Context) ([]gnet.ConnectionStat, error) {
			return gnet.ConnectionsWithContext(ctx, "tcp")
		},
		processName: func(ctx context.Context, pid int32) (string, error) {
			p, err := gproc.NewProcessWithContext(ctx, pid)
			if err != nil {
				return "", err
			}
			return p.NameWithContext(ctx)
		},
	}
}

// Allowed reports whether an executable name matches the allow-list.
func (p *Prober) Allowed(name string) bool {
	n := strings.ToLower(name)
	for _, a := range p.allow {
		if strings.Contains(n, a) {
			return true
		}
	}
	return false
}

// FindListener returns the first allow-listed process with a LISTEN socket on port.
// Not found is (Handle{}, false, nil). Sockets whose owner cannot be resolved
// (vanished or foreign-owned) are skipped.
func (p *Prober) FindListener(ctx context.Context, port int) (Handle, bool, error) {
	if port <= 0 || port > 65535 {
		return Handle{}, false, nil
	}
	conns, err := p.connections(ctx)
	if err != nil {
		return Handle{}, false, fmt.Errorf("enumerate sockets: %w", err)
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		name, err := p.processName(ctx, c.Pid)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Handle{}, false, err
			}
			continue
		}
		if p.Allowed(name) {
			return Handle{PID: int(c.Pid), Name: name, Port: port}, true, nil
		}
	}
	return Handle{}, false, nil
}

// cpuWindow is the interval over which Sample measures cpu usage.
const cpuWindow = 100 * time.Millisecond

// Sample reads cpu, resident memory and start time for pid. CPUPercent is the
// usage over cpuWindow, not the lifetime average.
func (p *Prober) Sample(ctx context.Context, pid int) (Info, error) {
	proc, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Info{}, err
	}
	info := Info{PID: pid}
	if cpu, err := proc.PercentWithContext(ctx, cpuWindow); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		info.NumThreads = n
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info.StartedAt = time.UnixMilli(ms)
	} else if sec := procStartUnix(pid); sec > 0 {
		info.StartedAt = time.Unix(sec, 0)
	}
	return info, nil
}
