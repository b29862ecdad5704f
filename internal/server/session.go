package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
	"github.com/bondnet/bonproxy/internal/protocol"
	"github.com/bondnet/bonproxy/internal/spacemap"
	"github.com/bondnet/bonproxy/internal/tuner"
)

// State is the session lifecycle position.
type State int

const (
	StateInitial State = iota
	StateReady
	StateTunerOpen
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateReady:
		return "ready"
	case StateTunerOpen:
		return "tuner_open"
	case StateStreaming:
		return "streaming"
	default:
		return "closing"
	}
}

// Session serves one client connection. All handler dispatch runs on the
// connection's read goroutine; only the stream forwarder writes
// concurrently, through the shared frame writer.
type Session struct {
	ID     string
	srv    *Server
	conn   net.Conn
	w      *protocol.Writer
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	driver   *catalog.Driver // bound by OpenTuner, nil when group-bound
	group    string          // bound by OpenTunerWithGroup
	groupIDs []int64
	smap     *spacemap.Map // lazily built enumeration mapping
	sub      *tuner.Subscription
	fwdStop  chan struct{}
	fwdDone  chan struct{}
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		ID:    uuid.NewString(),
		srv:   srv,
		conn:  conn,
		w:     protocol.NewWriter(conn),
		state: StateInitial,
	}
	s.logger = log.WithComponent("session").With().
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldClientAddr, conn.RemoteAddr().String()).
		Logger()
	metrics.SessionsActive.WithLabelValues(StateInitial.String()).Inc()
	return s
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	metrics.SessionsActive.WithLabelValues(s.state.String()).Dec()
	metrics.SessionsActive.WithLabelValues(next.String()).Inc()
	s.state = next
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:         s.ID,
		RemoteAddr: s.conn.RemoteAddr().String(),
		State:      s.state.String(),
		Group:      s.group,
	}
	if s.driver != nil {
		info.DriverPath = s.driver.Path
	}
	if s.sub != nil {
		info.TunerID = s.sub.Tuner().ID
	}
	return info
}

func (s *Session) run(ctx context.Context) {
	s.logger.Info().Msg("session connected")
	defer func() {
		s.mu.Lock()
		s.dropSubLocked()
		s.setStateLocked(StateClosing)
		s.mu.Unlock()
		metrics.SessionsActive.WithLabelValues(StateClosing.String()).Dec()
		_ = s.conn.Close()
		s.logger.Info().Msg("session closed")
	}()

	ended := make(chan struct{})
	defer close(ended)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-ended:
		}
	}()

	for {
		frame, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("connection read ended")
			}
			return
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, s.srv.cfg.RequestTimeout)
		keep := s.handle(reqCtx, frame)
		cancel()
		metrics.RequestDuration.WithLabelValues(frame.Type.String()).Observe(time.Since(start).Seconds())
		if !keep {
			return
		}
	}
}

// handle dispatches one request. The return value is false when the
// session must end (protocol violation or refused handshake).
func (s *Session) handle(ctx context.Context, f protocol.Frame) bool {
	if s.currentState() == StateInitial && f.Type != protocol.MsgHello {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return false
	}

	switch f.Type {
	case protocol.MsgHello:
		return s.handleHello(f)
	case protocol.MsgOpenTuner:
		s.handleOpenTuner(f)
	case protocol.MsgOpenTunerWithGroup:
		s.handleOpenTunerWithGroup(f)
	case protocol.MsgCloseTuner:
		s.handleCloseTuner(f)
	case protocol.MsgSetChannelPhysical:
		s.handleSetPhysical(ctx, f)
	case protocol.MsgSetChannelLogical:
		s.handleSetLogical(ctx, f)
	case protocol.MsgSetChannelInGroup:
		s.handleSetInGroup(ctx, f)
	case protocol.MsgGetChannelList:
		s.handleChannelList(f)
	case protocol.MsgEnumTuningSpace:
		s.handleEnumSpace(f)
	case protocol.MsgEnumChannelName:
		s.handleEnumName(f)
	case protocol.MsgGetSignalLevel:
		s.handleSignal(f)
	case protocol.MsgStartStream:
		s.handleStartStream(f)
	case protocol.MsgStopStream:
		s.handleStopStream(f)
	case protocol.MsgPurgeStream:
		s.handlePurgeStream(f)
	case protocol.MsgPing:
		s.ack(f.Type, protocol.OkAck())
	default:
		s.logger.Warn().Str("type", f.Type.String()).Msg("unknown request type")
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
	}
	return true
}

func (s *Session) ack(req protocol.MsgType, a protocol.Ack) {
	if err := s.w.WriteFrame(req.Ack(), a.Encode()); err != nil {
		s.logger.Debug().Err(err).Msg("ack write failed")
	}
}

func (s *Session) reply(t protocol.MsgType, payload []byte) {
	if err := s.w.WriteFrame(t, payload); err != nil {
		s.logger.Debug().Err(err).Msg("reply write failed")
	}
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleHello(f protocol.Frame) bool {
	hello, err := protocol.DecodeHello(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return false
	}
	if hello.Version != protocol.Version {
		s.logger.Warn().
			Uint16("client_version", hello.Version).
			Msg("protocol version refused")
		s.reply(f.Type.Ack(), protocol.HelloAck{
			Ack:     protocol.FailAck(protocol.ErrProtocol),
			Version: protocol.Version,
		}.Encode())
		return false
	}

	s.mu.Lock()
	if s.state != StateInitial {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return true
	}
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.logger.Info().Str("client", hello.ClientName).Msg("session ready")
	s.reply(f.Type.Ack(), protocol.HelloAck{
		Ack:           protocol.OkAck(),
		ServerVersion: "bonproxy",
		Version:       protocol.Version,
	}.Encode())
	return true
}

func (s *Session) handleOpenTuner(f protocol.Frame) {
	req, err := protocol.DecodeOpenTuner(f.Payload)
	if err != nil || req.Target == "" {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}

	id, err := s.srv.store.UpsertDriver(req.Target)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}
	drv, err := s.srv.store.GetDriver(id)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	s.driver = &drv
	s.group = ""
	s.groupIDs = nil
	s.smap = nil
	s.setStateLocked(StateTunerOpen)
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldDriverPath, drv.Path).
		Int64(log.FieldDriverID, drv.ID).
		Msg("tuner opened")
	s.ack(f.Type, protocol.OkAck())
}

func (s *Session) handleOpenTunerWithGroup(f protocol.Frame) {
	req, err := protocol.DecodeOpenTuner(f.Payload)
	if err != nil || req.Target == "" {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}

	members, err := s.srv.store.GroupDrivers(req.Target)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}
	if len(members) == 0 {
		s.ack(f.Type, protocol.FailAck(protocol.ErrNotFound))
		return
	}
	ids := make([]int64, len(members))
	for i, d := range members {
		ids[i] = d.ID
	}
	cands, err := s.srv.store.EnabledCandidates(ids...)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	s.driver = nil
	s.group = req.Target
	s.groupIDs = ids
	s.smap = spacemap.Build(cands)
	s.setStateLocked(StateTunerOpen)
	s.mu.Unlock()

	s.logger.Info().
		Str("group", req.Target).
		Int("drivers", len(members)).
		Msg("tuner group opened")
	s.ack(f.Type, protocol.OkAck())
}

func (s *Session) handleCloseTuner(f protocol.Frame) {
	s.mu.Lock()
	if s.state != StateTunerOpen && s.state != StateStreaming {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	s.dropSubLocked()
	s.driver = nil
	s.group = ""
	s.groupIDs = nil
	s.smap = nil
	s.setStateLocked(StateReady)
	s.mu.Unlock()
	s.ack(f.Type, protocol.OkAck())
}

// effectivePriority applies the priority hierarchy: exclusive requests
// are protected, explicit priorities pass through, everything else
// inherits downstream defaults.
func effectivePriority(priority int32, exclusive bool) int32 {
	if exclusive {
		return tuner.ProtectedPriority
	}
	if priority > 0 {
		return priority
	}
	return 0
}

func (s *Session) handleSetPhysical(ctx context.Context, f protocol.Frame) {
	req, err := protocol.DecodeSetChannelPhysical(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}
	if s.currentState() != StateTunerOpen && s.currentState() != StateStreaming {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}

	// group-bound sessions may omit the path: (space, channel) then
	// address the group's virtual mapping
	if req.DriverPath == "" {
		if s.virtualTune(ctx, f, req) {
			return
		}
		path := s.boundPath()
		if path == "" {
			s.ack(f.Type, protocol.FailAck(protocol.ErrNotFound))
			return
		}
		req.DriverPath = path
	}

	key := tuner.ChannelKey{DriverPath: req.DriverPath, Space: req.Space, Channel: req.Channel}
	sub, err := s.srv.pool.Acquire(ctx, key, nil, effectivePriority(req.Priority, req.Exclusive), req.Exclusive)
	if err != nil {
		s.logger.Warn().
			Str(log.FieldDriverPath, key.DriverPath).
			Uint32(log.FieldSpace, key.Space).
			Uint32(log.FieldChannel, key.Channel).
			Err(err).
			Msg("physical tune failed")
		s.ack(f.Type, protocol.FailAck(ackCode(err)))
		return
	}
	s.adoptSub(sub)
	s.logger.Info().
		Str(log.FieldDriverPath, key.DriverPath).
		Uint32(log.FieldSpace, key.Space).
		Uint32(log.FieldChannel, key.Channel).
		Int32(log.FieldPriority, sub.Priority).
		Msg("tuned")
	s.ack(f.Type, protocol.OkAck())
}

// virtualTune resolves group-virtual coordinates and walks the entry's
// sources best-first. Reports whether it handled the request.
func (s *Session) virtualTune(ctx context.Context, f protocol.Frame, req protocol.SetChannelPhysical) bool {
	s.mu.Lock()
	m := s.smap
	group := s.group
	s.mu.Unlock()
	if group == "" || m == nil {
		return false
	}

	entry, ok := m.Resolve(req.Space, req.Channel)
	if !ok {
		s.ack(f.Type, protocol.FailAck(protocol.ErrNotFound))
		return true
	}
	prio := effectivePriority(req.Priority, req.Exclusive)
	for _, src := range entry.Sources {
		key := tuner.ChannelKey{DriverPath: src.DriverPath, Space: src.Space, Channel: src.Channel}
		mux := tuner.MuxKey{DriverPath: src.DriverPath, NID: entry.NID, TSID: entry.TSID}
		sub, err := s.srv.pool.Acquire(ctx, key, &mux, prio, req.Exclusive)
		if err != nil {
			s.logger.Debug().
				Str(log.FieldDriverPath, src.DriverPath).
				Err(err).
				Msg("virtual tune source failed")
			continue
		}
		s.adoptSub(sub)
		s.ack(f.Type, protocol.OkAck())
		return true
	}
	s.ack(f.Type, protocol.FailAck(protocol.ErrTuneFailed))
	return true
}

func (s *Session) handleSetLogical(ctx context.Context, f protocol.Frame) {
	req, err := protocol.DecodeSetChannelLogical(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}
	s.tuneLogical(ctx, f.Type, tuner.LogicalRequest{
		NID:       req.NID,
		TSID:      req.TSID,
		SID:       req.SID,
		Group:     s.boundGroup(),
		Priority:  effectivePriority(req.Priority, req.Exclusive),
		Exclusive: req.Exclusive,
	})
}

func (s *Session) handleSetInGroup(ctx context.Context, f protocol.Frame) {
	req, err := protocol.DecodeSetChannelInGroup(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}
	s.tuneLogical(ctx, f.Type, tuner.LogicalRequest{
		NID:       req.NID,
		TSID:      req.TSID,
		SID:       req.SID,
		Group:     req.Group,
		Priority:  effectivePriority(req.Priority, req.Exclusive),
		Exclusive: req.Exclusive,
	})
}

func (s *Session) tuneLogical(ctx context.Context, reqType protocol.MsgType, req tuner.LogicalRequest) {
	if s.currentState() != StateTunerOpen && s.currentState() != StateStreaming {
		s.ack(reqType, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	res, err := s.srv.sel.TuneLogical(ctx, req)
	if err != nil {
		s.logger.Warn().
			Uint16(log.FieldNID, req.NID).
			Uint16(log.FieldTSID, req.TSID).
			Err(err).
			Msg("logical tune failed")
		s.ack(reqType, protocol.FailAck(ackCode(err)))
		return
	}
	s.adoptSub(res.Sub)
	s.logger.Info().
		Uint16(log.FieldNID, req.NID).
		Uint16(log.FieldTSID, req.TSID).
		Str(log.FieldDriverPath, res.Candidate.DriverPath).
		Bool("fallback", res.FellBack).
		Msg("tuned")
	s.ack(reqType, protocol.OkAck())
}

func (s *Session) handleChannelList(f protocol.Frame) {
	m, err := s.spaceMap()
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}
	var list protocol.ChannelList
	for si, sp := range m.Spaces() {
		for ci, e := range sp.Entries {
			list.Entries = append(list.Entries, protocol.ChannelEntry{
				Space:       uint32(si),
				Channel:     uint32(ci),
				Name:        e.Name,
				NID:         e.NID,
				TSID:        e.TSID,
				SID:         e.SID,
				ServiceType: e.ServiceType,
			})
		}
	}
	s.reply(protocol.MsgChannelListResponse, list.Encode())
}

func (s *Session) handleEnumSpace(f protocol.Frame) {
	req, err := protocol.DecodeEnumTuningSpace(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}
	m, merr := s.spaceMap()
	if merr != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}
	name, ok := m.SpaceName(req.Space)
	if !ok {
		s.reply(f.Type.Ack(), protocol.NameAck{Ack: protocol.FailAck(protocol.ErrNotFound)}.Encode())
		return
	}
	s.reply(f.Type.Ack(), protocol.NameAck{Ack: protocol.OkAck(), Name: name}.Encode())
}

func (s *Session) handleEnumName(f protocol.Frame) {
	req, err := protocol.DecodeEnumChannelName(f.Payload)
	if err != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrProtocol))
		return
	}
	m, merr := s.spaceMap()
	if merr != nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInternal))
		return
	}
	name, ok := m.ChannelName(req.Space, req.Channel)
	if !ok {
		s.reply(f.Type.Ack(), protocol.NameAck{Ack: protocol.FailAck(protocol.ErrNotFound)}.Encode())
		return
	}
	s.reply(f.Type.Ack(), protocol.NameAck{Ack: protocol.OkAck(), Name: name}.Encode())
}

func (s *Session) handleSignal(f protocol.Frame) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		s.reply(f.Type.Ack(), protocol.SignalAck{Ack: protocol.FailAck(protocol.ErrInvalidState)}.Encode())
		return
	}
	s.reply(f.Type.Ack(), protocol.SignalAck{
		Ack:   protocol.OkAck(),
		Level: sub.Tuner().SignalLevel(),
	}.Encode())
}

func (s *Session) handleStartStream(f protocol.Frame) {
	s.mu.Lock()
	if s.state != StateTunerOpen || s.sub == nil {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	s.startForwarderLocked()
	s.setStateLocked(StateStreaming)
	s.mu.Unlock()
	s.ack(f.Type, protocol.OkAck())
}

func (s *Session) handleStopStream(f protocol.Frame) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	s.stopForwarderLocked()
	s.setStateLocked(StateTunerOpen)
	s.mu.Unlock()
	s.ack(f.Type, protocol.OkAck())
}

// handlePurgeStream throws away whatever TS data is queued for the
// session without touching the subscription.
func (s *Session) handlePurgeStream(f protocol.Frame) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		s.ack(f.Type, protocol.FailAck(protocol.ErrInvalidState))
		return
	}
	for {
		select {
		case <-sub.Chunks():
		default:
			s.ack(f.Type, protocol.OkAck())
			return
		}
	}
}

// adoptSub swaps in a fresh subscription, releasing the old one. A
// streaming session keeps streaming off the new tuner.
func (s *Session) adoptSub(sub *tuner.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasStreaming := s.state == StateStreaming
	s.dropSubLocked()
	s.sub = sub
	if wasStreaming {
		s.startForwarderLocked()
	}
}

func (s *Session) dropSubLocked() {
	s.stopForwarderLocked()
	if s.sub != nil {
		s.srv.pool.Release(s.sub)
		s.sub = nil
	}
}

func (s *Session) startForwarderLocked() {
	if s.fwdStop != nil || s.sub == nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.fwdStop, s.fwdDone = stop, done
	go s.forward(s.sub, stop, done)
}

func (s *Session) stopForwarderLocked() {
	if s.fwdStop == nil {
		return
	}
	close(s.fwdStop)
	<-s.fwdDone
	s.fwdStop, s.fwdDone = nil, nil
}

// forward drains the subscription onto the wire until stopped or
// revoked. Revocation (preemption, tuner stop) ends the stream; the
// client sees a StopStream notification and may retune. A client that
// fell behind the broadcast window is disconnected outright.
func (s *Session) forward(sub *tuner.Subscription, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-sub.Done():
			cause := sub.Cause()
			s.logger.Info().Err(cause).Msg("stream revoked")
			code := protocol.ErrInternal
			if errors.Is(cause, tuner.ErrPreempted) {
				code = protocol.ErrNoCapacity
			}
			s.reply(protocol.MsgStopStream, protocol.FailAck(code).Encode())
			if errors.Is(cause, tuner.ErrBroadcastLag) {
				_ = s.conn.Close()
			}
			return
		case chunk := <-sub.Chunks():
			if err := s.w.WriteFrame(protocol.MsgStreamData, chunk); err != nil {
				s.logger.Debug().Err(err).Msg("stream write failed")
				return
			}
			metrics.StreamBytesTotal.Add(float64(len(chunk)))
		}
	}
}

// spaceMap returns the session's enumeration mapping, building it from
// the catalog on first use. Group-bound sessions already carry one.
func (s *Session) spaceMap() (*spacemap.Map, error) {
	s.mu.Lock()
	if s.smap != nil {
		m := s.smap
		s.mu.Unlock()
		return m, nil
	}
	var ids []int64
	if s.driver != nil {
		ids = []int64{s.driver.ID}
	}
	s.mu.Unlock()

	cands, err := s.srv.store.EnabledCandidates(ids...)
	if err != nil {
		return nil, err
	}
	m := spacemap.Build(cands)

	s.mu.Lock()
	s.smap = m
	s.mu.Unlock()
	return m, nil
}

func (s *Session) boundPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return ""
	}
	return s.driver.Path
}

func (s *Session) boundGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// ackCode maps tuner layer errors onto wire error codes.
func ackCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, tuner.ErrNoCapacity):
		return protocol.ErrNoCapacity
	case errors.Is(err, tuner.ErrNoCandidate):
		return protocol.ErrNotFound
	case errors.Is(err, tuner.ErrAllCandidatesFailed), errors.Is(err, tuner.ErrTune):
		return protocol.ErrTuneFailed
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrTuneFailed
	default:
		return protocol.ErrInternal
	}
}
