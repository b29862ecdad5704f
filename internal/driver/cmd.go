package driver

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bondnet/bonproxy/internal/log"
)

// cmdAdapter drives an external tuner command that writes TS to stdout,
// one process per tuned channel. The driver URL names the binary and an
// argument template:
//
//	cmd:///usr/bin/tunercli?args=tune --device /dev/px4video2 --channel {channel}&spaces=UHF:13-62
//
// {space} and {channel} expand to the requested coordinates. Signal
// quality is scraped from stderr lines carrying a dB figure.
type cmdAdapter struct {
	path    string
	bin     string
	argTmpl []string
	spaces  []Space

	mu     sync.Mutex
	proc   *exec.Cmd
	stdout io.ReadCloser
	tuned  bool

	signal atomic.Uint32 // float32 bits
}

var signalRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*dB`)

func newCmdAdapter(u *url.URL) (Adapter, error) {
	bin := u.Path
	if bin == "" {
		bin = u.Host
	}
	if bin == "" {
		return nil, fmt.Errorf("command path missing in %q", u.String())
	}
	q := u.Query()
	argTmpl := strings.Fields(q.Get("args"))
	spaces := parseSpaces(q.Get("spaces"))
	if len(spaces) == 0 {
		spaces = []Space{{Name: "default"}}
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%v", err)
	}
	return &cmdAdapter{
		path:    u.String(),
		bin:     bin,
		argTmpl: argTmpl,
		spaces:  spaces,
	}, nil
}

func (c *cmdAdapter) Path() string    { return c.path }
func (c *cmdAdapter) Spaces() []Space { return c.spaces }

func (c *cmdAdapter) SetChannel(space, channel uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	args := make([]string, len(c.argTmpl))
	for i, a := range c.argTmpl {
		a = strings.ReplaceAll(a, "{space}", strconv.FormatUint(uint64(space), 10))
		a = strings.ReplaceAll(a, "{channel}", strconv.FormatUint(uint64(channel), 10))
		args[i] = a
	}

	cmd := exec.Command(c.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}

	go c.scrapeSignal(stderr)

	c.proc = cmd
	c.stdout = stdout
	c.tuned = true
	return nil
}

// scrapeSignal watches stderr for dB readings until the pipe closes.
func (c *cmdAdapter) scrapeSignal(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if m := signalRe.FindStringSubmatch(sc.Text()); m != nil {
			if v, err := strconv.ParseFloat(m[1], 32); err == nil {
				c.signal.Store(math.Float32bits(float32(v)))
			}
		}
	}
}

func (c *cmdAdapter) SignalLevel() float32 {
	return math.Float32frombits(c.signal.Load())
}

func (c *cmdAdapter) Read(p []byte) (int, error) {
	c.mu.Lock()
	r := c.stdout
	tuned := c.tuned
	c.mu.Unlock()
	if !tuned || r == nil {
		return 0, ErrNotTuned
	}
	return r.Read(p)
}

func (c *cmdAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// stopLocked tears down the running child, SIGTERM first.
func (c *cmdAdapter) stopLocked() {
	if c.proc == nil {
		return
	}
	proc := c.proc
	c.proc = nil
	c.tuned = false
	if c.stdout != nil {
		_ = c.stdout.Close()
		c.stdout = nil
	}
	c.signal.Store(0)

	if proc.Process != nil {
		_ = proc.Process.Signal(syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		<-done
	}
	l := log.WithComponent("driver")
	l.Debug().
		Str(log.FieldDriverPath, c.path).
		Msg("tuner command stopped")
}
