// Package debug dumps goroutine stacks on demand.
//
// Stacks of the whole process come from the runtime. A single long-lived goroutine can also be
// inspected cooperatively: it registers a Probe and answers requests from its own loop, so the
// answer shows where that goroutine really is between tasks.
package debug

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/process"
)

// DefaultInspectTimeout is how long Inspect waits for a probe to answer.
const DefaultInspectTimeout = time.Second

var sourceRoots = []string{"/tinytablet/", "/pkg/mod/", "/src/"}

// NormalizeSourceFilePath strips the path prefix up to a known source root.
func NormalizeSourceFilePath(path string) string {
	for _, root := range sourceRoots {
		if i := strings.Index(path, root); i >= 0 {
			return path[i+len(root):]
		}
	}
	return path
}

func stack(all bool) []byte {
	buf := make([]byte, 16<<10)
	for {
		n := runtime.Stack(buf, all)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

func normalize(raw []byte) string {
	var out strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "\t") {
			line = "\t" + NormalizeSourceFilePath(line[1:])
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

// CurrentStack returns the stack of the calling goroutine.
func CurrentStack() string {
	return normalize(stack(false))
}

func DumpAllStacks() string {
	return normalize(stack(true))
}

func splitGoroutines(dump string) map[int64]string {
	blocks := make(map[int64]string)
	for _, block := range strings.Split(dump, "\n\n") {
		if !strings.HasPrefix(block, "goroutine ") {
			continue
		}
		fields := strings.Fields(block)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		blocks[id] = strings.TrimRight(block, "\n") + "\n"
	}
	return blocks
}

// ListGoroutines returns the ids of all live goroutines.
func ListGoroutines() []int64 {
	blocks := splitGoroutines(DumpAllStacks())
	ids := make([]int64, 0, len(blocks))
	for id := range blocks {
		ids = append(ids, id)
	}
	return ids
}

// DumpGoroutine returns the stack of one goroutine from a whole process dump.
func DumpGoroutine(id int64) string {
	if block, ok := splitGoroutines(DumpAllStacks())[id]; ok {
		return block
	}
	return fmt.Sprintf("(goroutine %d not found: it may have exited)", id)
}

// Probe lets a goroutine answer stack requests from its own loop.
type Probe struct {
	name string
	reqs chan chan string
}

var probes = struct {
	sync.Mutex
	m map[string]*Probe
}{m: make(map[string]*Probe)}

func RegisterProbe(name string) *Probe {
	p := &Probe{name: name, reqs: make(chan chan string, 1)}
	probes.Lock()
	probes.m[name] = p
	probes.Unlock()
	return p
}

func (p *Probe) Unregister() {
	probes.Lock()
	if probes.m[p.name] == p {
		delete(probes.m, p.name)
	}
	probes.Unlock()
}

func (p *Probe) Name() string {
	return p.name
}

// Requests is selected on by the owning goroutine; each request is answered with Answer.
func (p *Probe) Requests() <-chan chan string {
	return p.reqs
}

func (p *Probe) Answer(reply chan string) {
	reply <- CurrentStack()
}

// Poll answers a pending request, if any, without blocking.
func (p *Probe) Poll() {
	select {
	case reply := <-p.reqs:
		p.Answer(reply)
	default:
	}
}

func ProbeNames() []string {
	probes.Lock()
	defer probes.Unlock()
	names := make([]string, 0, len(probes.m))
	for name := range probes.m {
		names = append(names, name)
	}
	return names
}

// Inspect asks the goroutine owning the named probe for its stack.
func Inspect(name string, timeout time.Duration) string {
	probes.Lock()
	p := probes.m[name]
	probes.Unlock()
	if p == nil {
		return fmt.Sprintf("(no goroutine registered as %s)", name)
	}
	reply := make(chan string, 1)
	select {
	case p.reqs <- reply:
	default:
		return fmt.Sprintf("(%s is busy answering another request)", name)
	}
	select {
	case s := <-reply:
		return s
	case <-time.After(timeout):
		// Take the request back so a late answer does not block on nobody.
		select {
		case <-p.reqs:
		default:
		}
		return fmt.Sprintf("(%s did not respond: it may be blocked in a task)", name)
	}
}

// ProcessStats is a small snapshot of the process and its data disk.
type ProcessStats struct {
	Pid           int32
	Goroutines    int
	RSS           uint64
	NumThreads    int32
	DiskTotal     uint64
	DiskAvailable uint64
}

func GetProcessStats(dataDir string) (*ProcessStats, error) {
	stats := &ProcessStats{Pid: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcess(stats.Pid)
	if err != nil {
		return nil, errors.Trace(err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, errors.Trace(err)
	}
	stats.RSS = mem.RSS
	if stats.NumThreads, err = proc.NumThreads(); err != nil {
		return nil, errors.Trace(err)
	}
	if dataDir != "" {
		usage, err := disk.Usage(dataDir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		stats.DiskTotal = usage.Total
		stats.DiskAvailable = usage.Free
	}
	return stats, nil
}
