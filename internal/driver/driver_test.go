package driver

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/bondnet/bonproxy/internal/psi"
)

func TestParseSpaces(t *testing.T) {
	spaces := parseSpaces("UHF:13-20;BS:0-3")
	if len(spaces) != 2 {
		t.Fatalf("want 2 spaces, got %d", len(spaces))
	}
	if spaces[0].Name != "UHF" || len(spaces[0].Channels) != 8 {
		t.Errorf("UHF space = %+v", spaces[0])
	}
	if spaces[1].Name != "BS" || len(spaces[1].Channels) != 4 {
		t.Errorf("BS space = %+v", spaces[1])
	}
	if len(parseSpaces("")) != 0 || len(parseSpaces("garbage")) != 0 {
		t.Error("junk input produced spaces")
	}
}

func TestRegistryOpenSim(t *testing.T) {
	ad, err := DefaultRegistry().Open("sim://lab?spaces=UHF:13-20")
	if err != nil {
		t.Fatal(err)
	}
	defer ad.Close()
	if len(ad.Spaces()) != 1 {
		t.Errorf("spaces = %+v", ad.Spaces())
	}
}

func TestRegistryOpenUnknownScheme(t *testing.T) {
	_, err := DefaultRegistry().Open("ftp://nope")
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v", err)
	}
}

func TestSimStreamFeedsAnalyzer(t *testing.T) {
	ad, err := DefaultRegistry().Open("sim://lab?spaces=UHF:13-20&signal=28.5")
	if err != nil {
		t.Fatal(err)
	}
	defer ad.Close()

	if _, err := ad.Read(make([]byte, 188)); !errors.Is(err, ErrNotTuned) {
		t.Errorf("read before tune: %v", err)
	}
	if err := ad.SetChannel(0, 3); err != nil {
		t.Fatal(err)
	}
	if got := ad.SignalLevel(); got != 28.5 {
		t.Errorf("signal = %v", got)
	}

	a := psi.NewAnalyzer()
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(2 * time.Second)
	for !a.Complete() {
		if time.Now().After(deadline) {
			t.Fatal("analyzer never completed on sim stream")
		}
		n, err := ad.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		a.Feed(buf[:n])
	}

	wantNID, wantTSID := SimMuxIdentity("UHF", 0, 3)
	nid, tsid, _ := a.Mux()
	if nid != wantNID || tsid != wantTSID {
		t.Errorf("mux = %04X/%04X, want %04X/%04X", nid, tsid, wantNID, wantTSID)
	}
	svcs := a.Services()
	if len(svcs) != 2 {
		t.Fatalf("want 2 services, got %d", len(svcs))
	}
	if svcs[0].Name != "SIM UHF 3-0" {
		t.Errorf("service name = %q", svcs[0].Name)
	}
	if svcs[0].NetworkName != "SIMNET UHF" {
		t.Errorf("network name = %q", svcs[0].NetworkName)
	}
}

func TestSimDeadAndBadtuneChannels(t *testing.T) {
	ad, err := DefaultRegistry().Open("sim://lab?spaces=UHF:13-20&dead=0:2&badtune=0:3")
	if err != nil {
		t.Fatal(err)
	}
	defer ad.Close()

	if err := ad.SetChannel(0, 3); !errors.Is(err, ErrChannelSet) {
		t.Errorf("badtune channel: %v", err)
	}
	if err := ad.SetChannel(0, 99); !errors.Is(err, ErrChannelSet) {
		t.Errorf("out of range channel: %v", err)
	}

	if err := ad.SetChannel(0, 2); err != nil {
		t.Fatal(err)
	}
	if got := ad.SignalLevel(); got != 0 {
		t.Errorf("dead channel signal = %v", got)
	}
	// dead channel reads block until close
	done := make(chan error, 1)
	go func() {
		_, err := ad.Read(make([]byte, 188))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("dead channel read returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	_ = ad.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not unblock on close")
	}
}

type panicAdapter struct{}

func (panicAdapter) Path() string                { return "panic://" }
func (panicAdapter) Spaces() []Space             { return nil }
func (panicAdapter) SetChannel(_, _ uint32) error { panic("boom") }
func (panicAdapter) SignalLevel() float32        { panic("boom") }
func (panicAdapter) Read(_ []byte) (int, error)  { panic("boom") }
func (panicAdapter) Close() error                { return nil }

func TestShieldConvertsPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("panic", func(*url.URL) (Adapter, error) { return panicAdapter{}, nil })
	ad, err := r.Open("panic://x")
	if err != nil {
		t.Fatal(err)
	}
	if err := ad.SetChannel(0, 0); err == nil {
		t.Error("panic not converted to error")
	}
	if _, err := ad.Read(nil); err == nil {
		t.Error("panic not converted to error")
	}
	if got := ad.SignalLevel(); got != 0 {
		t.Errorf("panicking signal = %v", got)
	}
}

func TestOpenRetriesTransientFailures(t *testing.T) {
	attempts := 0
	r := NewRegistry()
	r.Register("flaky", func(u *url.URL) (Adapter, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return panicAdapter{}, nil
	})
	start := time.Now()
	if _, err := r.Open("flaky://x"); err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d", attempts)
	}
	if time.Since(start) < 2*openBackoff {
		t.Error("no backoff between attempts")
	}
}
