package server

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/driver"
	"github.com/bondnet/bonproxy/internal/protocol"
	"github.com/bondnet/bonproxy/internal/tuner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const simSrv = "sim://srv?spaces=UHF:13-14;BS:0-1"

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedSim merges the simulator's first UHF channel into the catalog and
// returns its service identity.
func seedSim(t *testing.T, store *catalog.Store) (nid, tsid, sid uint16) {
	t.Helper()
	nid, tsid = driver.SimMuxIdentity("UHF", 0, 0)
	sid = 0x0400
	id, err := store.UpsertDriver(simSrv)
	if err != nil {
		t.Fatal(err)
	}
	obs := []catalog.Observed{
		{NID: nid, TSID: tsid, SID: sid, Name: "SIM UHF 0-0", ServiceType: 0x01, Space: 0, Channel: 0},
		{NID: nid, TSID: tsid, SID: sid + 1, Name: "SIM UHF 0-1", ServiceType: 0x01, Space: 0, Channel: 0},
	}
	if _, err := store.MergeScan(id, obs); err != nil {
		t.Fatal(err)
	}
	return nid, tsid, sid
}

func startServer(t *testing.T, store *catalog.Store, cfg Config) (string, *Server) {
	t.Helper()
	pool := tuner.NewPool(driver.DefaultRegistry(), func(string) int { return 1 })
	sel := tuner.NewSelector(pool, store, tuner.SelectorConfig{
		SignalTimeout: 500 * time.Millisecond,
		SignalPoll:    20 * time.Millisecond,
		SignalMin:     5.0,
		PacketTimeout: time.Second,
	})
	srv := New(pool, sel, store, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool.Shutdown(sctx)
		scancel()
		// readers stop asynchronously after Shutdown
		deadline := time.Now().Add(5 * time.Second)
		for len(pool.Tuners()) > 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
	})
	return ln.Addr().String(), srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	w    *protocol.Writer
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, w: protocol.NewWriter(conn)}
}

func (c *testClient) send(typ protocol.MsgType, payload []byte) {
	c.t.Helper()
	if err := c.w.WriteFrame(typ, payload); err != nil {
		c.t.Fatal(err)
	}
}

// recv reads frames until one of the wanted type arrives, skipping
// interleaved stream data.
func (c *testClient) recv(want protocol.MsgType) protocol.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if f.Type == want {
			return f
		}
	}
}

func (c *testClient) hello() {
	c.t.Helper()
	c.send(protocol.MsgHello, protocol.Hello{ClientName: "test", Version: protocol.Version}.Encode())
	f := c.recv(protocol.MsgHello.Ack())
	ack, err := protocol.DecodeHelloAck(f.Payload)
	if err != nil || !ack.Success {
		c.t.Fatalf("hello ack = %+v, %v", ack, err)
	}
}

func (c *testClient) expectOK(typ protocol.MsgType) {
	c.t.Helper()
	f := c.recv(typ.Ack())
	ack, err := protocol.DecodeAck(f.Payload)
	if err != nil || !ack.Success {
		c.t.Fatalf("%s ack = %+v, %v", typ, ack, err)
	}
}

func TestHandshakeAndPing(t *testing.T) {
	addr, _ := startServer(t, openStore(t), Config{})
	c := dial(t, addr)
	c.hello()
	c.send(protocol.MsgPing, nil)
	c.expectOK(protocol.MsgPing)
}

func TestVersionMismatchRefused(t *testing.T) {
	addr, _ := startServer(t, openStore(t), Config{})
	c := dial(t, addr)
	c.send(protocol.MsgHello, protocol.Hello{ClientName: "test", Version: 99}.Encode())
	f := c.recv(protocol.MsgHello.Ack())
	ack, _ := protocol.DecodeHelloAck(f.Payload)
	if ack.Success {
		t.Fatal("mismatched version accepted")
	}
	// the server hangs up after refusing
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := protocol.ReadFrame(c.conn); !errors.Is(err, io.EOF) {
		t.Errorf("read after refusal: %v", err)
	}
}

func TestRequestBeforeHelloRefused(t *testing.T) {
	addr, _ := startServer(t, openStore(t), Config{})
	c := dial(t, addr)
	c.send(protocol.MsgPing, nil)
	f := c.recv(protocol.MsgPing.Ack())
	ack, _ := protocol.DecodeAck(f.Payload)
	if ack.Success || ack.Code != protocol.ErrInvalidState {
		t.Errorf("ack = %+v", ack)
	}
}

func TestPhysicalTuneAndStream(t *testing.T) {
	addr, _ := startServer(t, openStore(t), Config{})
	c := dial(t, addr)
	c.hello()

	c.send(protocol.MsgOpenTuner, protocol.OpenTuner{Target: simSrv}.Encode())
	c.expectOK(protocol.MsgOpenTuner)

	// bound sessions may omit the driver path
	c.send(protocol.MsgSetChannelPhysical, protocol.SetChannelPhysical{
		Space: 0, Channel: 0, Priority: 10,
	}.Encode())
	c.expectOK(protocol.MsgSetChannelPhysical)

	c.send(protocol.MsgGetSignalLevel, nil)
	sig, err := protocol.DecodeSignalAck(c.recv(protocol.MsgGetSignalLevel.Ack()).Payload)
	if err != nil || !sig.Success || sig.Level < 5.0 {
		t.Fatalf("signal = %+v, %v", sig, err)
	}

	c.send(protocol.MsgStartStream, nil)
	c.expectOK(protocol.MsgStartStream)

	data := c.recv(protocol.MsgStreamData)
	if len(data.Payload) == 0 || len(data.Payload)%188 != 0 {
		t.Errorf("stream chunk = %d bytes", len(data.Payload))
	}

	c.send(protocol.MsgStopStream, nil)
	c.expectOK(protocol.MsgStopStream)

	c.send(protocol.MsgCloseTuner, nil)
	c.expectOK(protocol.MsgCloseTuner)
}

func TestLogicalTune(t *testing.T) {
	store := openStore(t)
	nid, tsid, sid := seedSim(t, store)
	addr, _ := startServer(t, store, Config{})
	c := dial(t, addr)
	c.hello()

	c.send(protocol.MsgOpenTuner, protocol.OpenTuner{Target: simSrv}.Encode())
	c.expectOK(protocol.MsgOpenTuner)

	c.send(protocol.MsgSetChannelLogical, protocol.SetChannelLogical{
		NID: nid, TSID: tsid, SID: &sid, Priority: 10,
	}.Encode())
	c.expectOK(protocol.MsgSetChannelLogical)

	c.send(protocol.MsgCloseTuner, nil)
	c.expectOK(protocol.MsgCloseTuner)
}

func TestChannelListAndEnum(t *testing.T) {
	store := openStore(t)
	seedSim(t, store)
	addr, _ := startServer(t, store, Config{})
	c := dial(t, addr)
	c.hello()

	c.send(protocol.MsgGetChannelList, nil)
	list, err := protocol.DecodeChannelList(c.recv(protocol.MsgChannelListResponse).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Entries) != 2 {
		t.Fatalf("entries = %d", len(list.Entries))
	}
	if list.Entries[0].Name == "" {
		t.Error("unnamed entry")
	}

	c.send(protocol.MsgEnumTuningSpace, protocol.EnumTuningSpace{Space: 0}.Encode())
	name, err := protocol.DecodeNameAck(c.recv(protocol.MsgEnumTuningSpace.Ack()).Payload)
	if err != nil || !name.Success || name.Name == "" {
		t.Errorf("space name = %+v, %v", name, err)
	}

	c.send(protocol.MsgEnumChannelName, protocol.EnumChannelName{Space: 0, Channel: 0}.Encode())
	name, err = protocol.DecodeNameAck(c.recv(protocol.MsgEnumChannelName.Ack()).Payload)
	if err != nil || !name.Success || name.Name != "SIM UHF 0-0" {
		t.Errorf("channel name = %+v, %v", name, err)
	}

	// past the end reports not found, not an error
	c.send(protocol.MsgEnumTuningSpace, protocol.EnumTuningSpace{Space: 9}.Encode())
	name, _ = protocol.DecodeNameAck(c.recv(protocol.MsgEnumTuningSpace.Ack()).Payload)
	if name.Success || name.Code != protocol.ErrNotFound {
		t.Errorf("out of range = %+v", name)
	}
}

func TestGroupVirtualTune(t *testing.T) {
	store := openStore(t)
	seedSim(t, store)
	id, _ := store.UpsertDriver(simSrv)
	if err := store.SetDriverGroup(id, "terra"); err != nil {
		t.Fatal(err)
	}
	addr, _ := startServer(t, store, Config{})
	c := dial(t, addr)
	c.hello()

	c.send(protocol.MsgOpenTunerWithGroup, protocol.OpenTuner{Target: "terra"}.Encode())
	c.expectOK(protocol.MsgOpenTunerWithGroup)

	// virtual (space 0, channel 0) resolves through the group mapping
	c.send(protocol.MsgSetChannelPhysical, protocol.SetChannelPhysical{
		Space: 0, Channel: 0, Priority: 10,
	}.Encode())
	c.expectOK(protocol.MsgSetChannelPhysical)

	c.send(protocol.MsgCloseTuner, nil)
	c.expectOK(protocol.MsgCloseTuner)
}

func TestMaxConnections(t *testing.T) {
	addr, _ := startServer(t, openStore(t), Config{MaxConnections: 1})
	first := dial(t, addr)
	first.hello()

	second := dial(t, addr)
	_ = second.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := protocol.ReadFrame(second.conn); !errors.Is(err, io.EOF) {
		t.Errorf("second connection: %v", err)
	}
}
