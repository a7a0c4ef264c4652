package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"roomsync/cmd/internal/collab/sched"
	"roomsync/cmd/internal/collab/transport"
	v1 "roomsync/shared/contracts/realtime/v1"
)

type dialResult struct {
	gen  uint64
	conn transport.Conn
	err  error
}

// ready is always receivable; the loop selects on it while deferred work is queued.
var ready = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)

	clock := s.cfg.Clock
	s.runCtx = ctx
	s.docThrottle = sched.NewThrottle(clock, s.cfg.BroadcastInterval)
	s.cursorThrottle = sched.NewThrottle(clock, s.cfg.CursorInterval)
	s.debounce = sched.NewDebouncer(clock, s.cfg.SaveDebounce)
	s.reconnect = sched.NewTimer(clock)
	s.backup = sched.NewTicker(clock, s.cfg.BackupInterval)
	s.sweep = sched.NewTicker(clock, s.cfg.SweepInterval)
	s.heartbeat = sched.NewTicker(clock, s.cfg.HeartbeatInterval)
	defer s.stopTimers()

	s.connect(ctx)

	for {
		var tick <-chan struct{}
		if len(s.deferred) > 0 {
			tick = ready
		}

		select {
		case <-ctx.Done():
			if conn := s.setConn(nil); conn != nil {
				_ = conn.Close()
			}
			s.setStatus(StatusDisconnected, nil)
			return

		case fn := <-s.cmds:
			fn()

		case env, ok := <-s.events:
			if !ok {
				s.connLost(ctx)
				continue
			}
			s.handle(env)

		case r := <-s.dialed:
			s.dialDone(ctx, r)

		case <-s.docThrottle.C():
			s.docThrottle.Fired()
			s.flushDoc()

		case <-s.cursorThrottle.C():
			s.cursorThrottle.Fired()
			s.sendCursor()

		case <-s.debounce.C():
			s.debounce.Fired()
			s.beginSave(nil, "debounce", nil)

		case <-s.backup.C():
			s.beginSave(nil, "backup", nil)

		case <-s.sweep.C():
			s.sweepNow()

		case <-s.heartbeat.C():
			if err := s.sendEvent(v1.EventHeartbeat, s.cfg.Self); err != nil && !errors.Is(err, ErrNotConnected) {
				s.log.Debug("session.heartbeat.fail", "err", err)
			}

		case <-s.reconnect.C():
			s.reconnect.Fired()
			s.connect(ctx)

		case <-tick:
			queued := s.deferred
			s.deferred = nil
			for _, fn := range queued {
				fn()
			}
		}
	}
}

func (s *Session) stopTimers() {
	s.docThrottle.Stop()
	s.cursorThrottle.Stop()
	s.debounce.Stop()
	s.reconnect.Stop()
	s.backup.Stop()
	s.sweep.Stop()
	s.heartbeat.Stop()
}

// deferTick runs fn on the next loop iteration, after work already queued.
func (s *Session) deferTick(fn func()) {
	s.deferred = append(s.deferred, fn)
}

// ---- connection lifecycle ----

func (s *Session) connect(ctx context.Context) {
	s.gen++
	gen := s.gen
	s.setStatus(StatusConnecting, nil)

	go func() {
		conn, err := s.cfg.Transport.Dial(ctx)
		select {
		case s.dialed <- dialResult{gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Session) dialDone(ctx context.Context, r dialResult) {
	if r.gen != s.gen || s.stopping {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}
	if r.err != nil {
		s.mu.Lock()
		s.reg.MarkUnknown()
		s.mu.Unlock()
		s.reconnect.Arm(s.cfg.ReconnectDelay)
		s.setStatus(StatusError, r.err)
		s.attached()
		return
	}

	s.setConn(r.conn)
	s.events = r.conn.Events()
	s.setStatus(StatusConnected, nil)
	go s.subscribe(ctx, r.conn, r.gen)
}

// subscribe joins the room, then loads the document and the message history.
func (s *Session) subscribe(ctx context.Context, conn transport.Conn, gen uint64) {
	jctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	err := transport.Call(jctx, conn, v1.TypeRoomJoin, s.cfg.Room, v1.RoomJoinPayload{Room: s.cfg.Room}, v1.TypePresenceSnapshot, nil)
	cancel()
	if err != nil {
		s.log.Warn("session.subscribe.fail", "err", err)
		s.post(func() {
			if gen != s.gen {
				return
			}
			s.mu.Lock()
			s.reg.MarkUnknown()
			s.mu.Unlock()
			s.attached()
		})
		// The connection is useless without the subscription; reconnect.
		_ = conn.Close()
		return
	}

	s.load(ctx, gen)
	s.syncHistory(ctx, gen)
}

// syncHistory loads the latest window on the first subscription. Later subscriptions page
// forward from the oldest kept message, so the gap is filled and messages deleted meanwhile
// are dropped.
func (s *Session) syncHistory(ctx context.Context, gen uint64) {
	s.mu.Lock()
	resume := s.histLoaded
	after := s.histMark
	if first := s.stream.FirstSeq(); first > 0 && first-1 < after {
		after = first - 1
	}
	known := s.stream.LastSeq()
	s.mu.Unlock()

	var (
		msgs []v1.Message
		err  error
	)
	if resume {
		msgs, err = s.historySince(ctx, after)
	} else {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		var chunk v1.HistoryChunkPayload
		chunk, err = s.auth.History(hctx, v1.HistoryFetchPayload{Room: s.cfg.Room, Limit: s.cfg.HistoryLimit})
		cancel()
		msgs = chunk.Messages
	}
	if err != nil {
		s.log.Warn("session.history.fail", "resume", resume, "err", err)
		return
	}

	s.post(func() {
		if gen != s.gen {
			return
		}
		s.mu.Lock()
		pruned := 0
		if resume {
			hi := known
			if n := len(msgs); n > 0 && msgs[n-1].Seq > hi {
				hi = msgs[n-1].Seq
			}
			pruned = s.stream.Prune(after+1, hi, msgs)
		}
		added := s.stream.MergeHistory(msgs)
		s.histLoaded = true
		if last := s.stream.LastSeq(); last > s.histMark {
			s.histMark = last
		}
		s.mu.Unlock()

		s.log.Debug("session.history.ok", "resume", resume, "messages", len(msgs), "added", added, "pruned", pruned)
		if added > 0 || pruned > 0 {
			s.publish(Change{Kind: ChangeMessages})
		}
	})
}

// historySince pages through every live message after seq.
func (s *Session) historySince(ctx context.Context, seq int64) ([]v1.Message, error) {
	var out []v1.Message
	for {
		after := seq
		hctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		chunk, err := s.auth.History(hctx, v1.HistoryFetchPayload{Room: s.cfg.Room, AfterSeq: &after, Limit: s.cfg.HistoryLimit})
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Messages...)
		if !chunk.HasMore || len(chunk.Messages) == 0 {
			return out, nil
		}
		seq = chunk.Messages[len(chunk.Messages)-1].Seq
	}
}

// load fetches the persisted document and hands it to the loop.
func (s *Session) load(ctx context.Context, gen uint64) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	snap, err := s.store.LoadSnapshot(lctx, s.cfg.Room)
	cancel()
	s.post(func() { s.loaded(gen, snap, err) })
}

func (s *Session) loaded(gen uint64, snap v1.SnapshotPayload, err error) {
	if gen != s.gen {
		return
	}
	s.resyncing = false
	if err != nil {
		s.log.Warn("session.load.fail", "err", err)
		if conn := s.currentConn(); conn != nil {
			_ = conn.Close()
		}
		return
	}

	s.mu.Lock()
	s.doc.Load(snap.Records)
	replayed := 0
	for _, b := range s.buffered {
		if err := s.doc.Apply(b); err != nil {
			s.log.Info("session.replay.skip", "err", err)
			continue
		}
		replayed++
	}
	s.buffered = nil
	if p := s.pending.Peek(); !p.Empty() {
		if err := s.doc.Apply(p); err != nil {
			s.log.Warn("session.replay.pending.fail", "err", err)
		}
	}
	hasPending := !s.pending.Empty()
	s.synced = true
	records := s.doc.Len()
	s.mu.Unlock()

	s.log.Info("session.load.ok", "found", snap.Found, "records", records, "replayed", replayed)
	s.publish(Change{Kind: ChangeDocument})
	if hasPending {
		s.localChanged()
	}
}

func (s *Session) connLost(ctx context.Context) {
	s.events = nil
	s.gen++
	if conn := s.setConn(nil); conn != nil {
		_ = conn.Close()
	}

	s.mu.Lock()
	s.synced = false
	s.buffered = nil
	s.reg.MarkUnknown()
	s.mu.Unlock()
	s.resyncing = false

	if !s.stopping && ctx.Err() == nil {
		s.reconnect.Arm(s.cfg.ReconnectDelay)
	}
	s.setStatus(StatusDisconnected, nil)
}

// resync reloads the document after a merge fault. Concurrent faults share one reload.
func (s *Session) resync() {
	if s.resyncing || s.currentConn() == nil {
		return
	}
	s.resyncing = true
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
	s.log.Warn("session.resync")
	go s.load(s.runCtx, s.gen)
}

func (s *Session) attached() {
	s.attachOnce.Do(func() { close(s.attachReady) })
}

// ---- inbound ----

func (s *Session) handle(env v1.Envelope) {
	switch env.Type {
	case v1.TypePresenceSnapshot:
		var p v1.PresenceSnapshotPayload
		if err := env.Decode(&p); err != nil || !s.ours(p.Room, env.Room) {
			return
		}
		s.mu.Lock()
		diff := s.reg.Seed(p.Members, p.LastSeen, s.cfg.Clock.Now())
		s.mu.Unlock()
		s.attached()
		// Joins and leaves missed while disconnected still reach the audit trail.
		for _, d := range diff.Left {
			s.announceLeave(d.Member, d.At)
		}
		for _, m := range diff.Joined {
			s.announceJoin(m, s.cfg.Clock.Now())
		}
		s.publish(Change{Kind: ChangePresence})

	case v1.TypeMemberAdded:
		var p v1.MemberEventPayload
		if err := env.Decode(&p); err != nil || !s.ours(p.Room, env.Room) {
			return
		}
		s.memberJoined(p.Member, s.cfg.Clock.Now())

	case v1.TypeMemberRemoved:
		var p v1.MemberEventPayload
		if err := env.Decode(&p); err != nil || !s.ours(p.Room, env.Room) {
			return
		}
		at := p.At
		if at.IsZero() {
			at = s.cfg.Clock.Now()
		}
		s.memberLeft(p.Member.ID, at)

	case v1.TypeClientEvent:
		var p v1.ClientEventPayload
		if err := env.Decode(&p); err != nil || !s.ours(p.Room, env.Room) {
			return
		}
		s.clientEvent(p)

	case v1.TypeMessageNew:
		var m v1.Message
		if err := env.Decode(&m); err != nil || !s.ours(m.Room, env.Room) {
			return
		}
		s.mu.Lock()
		_, changed := s.stream.Confirm(m)
		s.mu.Unlock()
		if changed {
			s.publish(Change{Kind: ChangeMessages})
		}

	case v1.TypeMessageState:
		var st v1.MessageStatePayload
		if err := env.Decode(&st); err != nil || !s.ours(st.Room, env.Room) {
			return
		}
		s.mu.Lock()
		changed := s.stream.ApplyState(st)
		s.mu.Unlock()
		if changed {
			s.publish(Change{Kind: ChangeMessages})
		}

	case v1.TypeError:
		if env.Ref == "" {
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			s.log.Warn("session.remote.error", "code", p.Code, "message", p.Message)
		}
	}
}

func (s *Session) ours(payloadRoom, envRoom string) bool {
	if payloadRoom != "" {
		return payloadRoom == s.cfg.Room
	}
	return envRoom == "" || envRoom == s.cfg.Room
}

func (s *Session) clientEvent(p v1.ClientEventPayload) {
	now := s.cfg.Clock.Now()
	known := false
	if p.Sender != "" {
		s.mu.Lock()
		known = s.reg.Touch(p.Sender, now)
		s.mu.Unlock()
	}

	switch p.Event {
	case v1.EventDocumentUpdate:
		var b v1.Batch
		if err := json.Unmarshal(p.Data, &b); err != nil {
			s.log.Warn("session.merge.fail", "sender", p.Sender, "err", err)
			s.resync()
			return
		}
		s.applyRemote(p.Sender, b)

	case v1.EventCursor:
		var c v1.Cursor
		if err := json.Unmarshal(p.Data, &c); err != nil {
			return
		}
		if p.Sender != "" {
			c.MemberID = p.Sender
		}
		s.mu.Lock()
		updated := s.cursors.Update(c, now)
		s.mu.Unlock()
		if updated {
			s.publish(Change{Kind: ChangeCursors})
		}

	case v1.EventHeartbeat:
		if known {
			return
		}
		var m v1.Member
		if err := json.Unmarshal(p.Data, &m); err != nil {
			return
		}
		if p.Sender != "" && m.ID != p.Sender {
			return
		}
		// A member swept for silence is alive after all.
		s.memberJoined(m, now)
	}
}

func (s *Session) applyRemote(sender string, b v1.Batch) {
	s.mu.Lock()
	if !s.synced {
		s.buffered = append(s.buffered, b)
		s.mu.Unlock()
		return
	}
	err := s.doc.Apply(b)
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("session.merge.fail", "sender", sender, "err", err)
		s.resync()
		return
	}
	s.publish(Change{Kind: ChangeDocument})
}

func displayName(m v1.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

func (s *Session) memberJoined(m v1.Member, now time.Time) {
	s.mu.Lock()
	added := s.reg.Join(m, now)
	s.mu.Unlock()
	if added {
		s.announceJoin(m, now)
	}
}

func (s *Session) memberLeft(id string, at time.Time) {
	s.mu.Lock()
	m, ok := s.reg.Leave(id, at)
	s.mu.Unlock()
	if ok {
		s.announceLeave(m, at)
	}
}

// announceJoin records the audit entry and runs join callbacks for a member already in the registry.
func (s *Session) announceJoin(m v1.Member, now time.Time) {
	s.mu.Lock()
	s.stream.AddSystem(m.ID, displayName(m)+" joined", now)
	hooks := append([]func(v1.Member){}, s.onJoin...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(m)
	}
	s.publish(Change{Kind: ChangePresence})
	s.publish(Change{Kind: ChangeMessages})
}

// announceLeave is announceJoin for a member already removed from the registry.
func (s *Session) announceLeave(m v1.Member, at time.Time) {
	s.mu.Lock()
	s.cursors.Remove(m.ID)
	s.stream.AddSystem(m.ID, displayName(m)+" left", at)
	hooks := append([]func(v1.Member, time.Time){}, s.onLeave...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(m, at)
	}
	s.publish(Change{Kind: ChangePresence})
	s.publish(Change{Kind: ChangeMessages})
}

func (s *Session) sweepNow() {
	now := s.cfg.Clock.Now()

	type departure struct {
		m  v1.Member
		at time.Time
	}
	s.mu.Lock()
	var gone []departure
	for _, m := range s.reg.Sweep(now, s.cfg.PresenceTTL) {
		at, _ := s.reg.LastSeen(m.ID)
		s.cursors.Remove(m.ID)
		s.stream.AddSystem(m.ID, displayName(m)+" left", now)
		gone = append(gone, departure{m: m, at: at})
	}
	cursors := s.cursors.Sweep(now, s.cfg.CursorTTL)
	purged := s.stream.PurgePending(now, s.cfg.PendingMaxAge)
	hooks := append([]func(v1.Member, time.Time){}, s.onLeave...)
	s.mu.Unlock()

	for _, d := range gone {
		for _, fn := range hooks {
			fn(d.m, d.at)
		}
	}
	if len(purged) > 0 {
		s.log.Info("session.pending.purged", "count", len(purged))
	}
	if len(gone) > 0 {
		s.publish(Change{Kind: ChangePresence})
	}
	if len(gone) > 0 || len(purged) > 0 {
		s.publish(Change{Kind: ChangeMessages})
	}
	if cursors > 0 {
		s.publish(Change{Kind: ChangeCursors})
	}
}

// ---- outbound ----

// localChanged runs in the loop after every local document mutation.
func (s *Session) localChanged() {
	if s.stopping {
		return
	}
	s.debounce.Touch()
	if s.docThrottle.Request() {
		s.flushDoc()
	}
}

// flushDoc commits the active edit and broadcasts everything pending.
func (s *Session) flushDoc() {
	s.mu.Lock()
	if b, ok := s.doc.FlushEdit(); ok {
		s.pending.Add(b)
	}
	if !s.synced || s.pending.Empty() || s.currentConn() == nil {
		s.mu.Unlock()
		return
	}
	b := s.pending.Take()
	s.mu.Unlock()

	if err := s.sendEvent(v1.EventDocumentUpdate, b); err != nil {
		s.mu.Lock()
		s.pending.Restore(b)
		s.mu.Unlock()
		s.log.Info("session.broadcast.fail", "err", err)
		if errors.Is(err, transport.ErrBackpressure) && !s.stopping {
			s.docThrottle.Request()
		}
	}
}

func (s *Session) sendCursor() {
	s.mu.Lock()
	c := s.cursor
	s.mu.Unlock()
	if c == nil {
		return
	}
	if err := s.sendEvent(v1.EventCursor, *c); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Debug("session.cursor.fail", "err", err)
	}
}

func (s *Session) sendEvent(event string, data any) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env, err := transport.NewEnvelope(v1.TypeClientEvent, s.cfg.Room, v1.ClientEventPayload{
		Room:  s.cfg.Room,
		Event: event,
		Data:  raw,
	})
	if err != nil {
		return err
	}
	return conn.Send(s.runCtx, env)
}

// beginSave flushes the document and persists it one loop tick later. A nil ctx marks an
// automatic save, which only logs failures. res, when set, receives the outcome.
func (s *Session) beginSave(ctx context.Context, reason string, res chan<- error) {
	deliver := func(err error) {
		if res != nil {
			res <- err
		}
	}

	s.mu.Lock()
	synced := s.synced
	s.mu.Unlock()
	if !synced {
		s.log.Debug("session.save.skip", "reason", reason)
		deliver(ErrNotSynced)
		return
	}

	s.flushDoc()
	s.deferTick(func() {
		s.mu.Lock()
		records := s.doc.Snapshot()
		s.mu.Unlock()

		s.saveMu.Lock()
		s.saveSeq++
		seq := s.saveSeq
		s.saveMu.Unlock()

		s.saves.Add(1)
		go func() {
			defer s.saves.Done()
			deliver(s.persist(ctx, reason, seq, records))
		}()
	})
}

func (s *Session) persist(ctx context.Context, reason string, seq uint64, records []v1.Record) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq < s.lastSave {
		// A newer snapshot is already stored.
		return nil
	}

	if err := s.store.SaveSnapshot(ctx, s.cfg.Room, records); err != nil {
		s.log.Warn("session.save.fail", "reason", reason, "records", len(records), "err", err)
		return err
	}
	s.lastSave = seq
	s.log.Debug("session.save.ok", "reason", reason, "records", len(records))
	s.publish(Change{Kind: ChangeSaved})
	return nil
}

func (s *Session) beginDetach(ctx context.Context, res chan<- error) {
	s.stopping = true
	s.stopTimers()
	s.beginSave(ctx, "detach", res)
}
