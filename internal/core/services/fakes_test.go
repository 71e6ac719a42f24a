package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/infrastructure/repositories/memory"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// seq orders bus sends against engine calls across goroutines.
var seq atomic.Int64

var routerCaps = domain.RtpCapabilities{
	Codecs: []domain.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000},
	},
}

type sentEnvelope struct {
	domain.Envelope
	seq int64
}

type fakeBus struct {
	mu          sync.Mutex
	events      chan domain.BusEvent
	sent        []sentEnvelope
	connects    int
	disconnects int
	closed      bool
	joinCode    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan domain.BusEvent, 256)}
}

func (b *fakeBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.connects++
	b.mu.Unlock()
	b.events <- domain.BusEvent{Status: domain.BusConnected}
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	b.disconnects++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Send(ctx context.Context, env domain.Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, sentEnvelope{Envelope: env, seq: seq.Add(1)})
	joinCode := b.joinCode
	b.mu.Unlock()

	if env.Type == domain.MsgJoin {
		b.events <- domain.BusEvent{Message: &domain.Envelope{
			ID:      uuid.NewString(),
			Kind:    domain.EnvelopeResponse,
			Type:    domain.MsgJoin,
			ReplyTo: env.ID,
			Code:    joinCode,
		}}
	}
	return nil
}

func (b *fakeBus) Events() <-chan domain.BusEvent {
	return b.events
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) status(status domain.BusStatus) {
	b.events <- domain.BusEvent{Status: status}
}

func (b *fakeBus) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	content, err := json.Marshal(payload)
	require.NoError(t, err)
	b.events <- domain.BusEvent{Message: &domain.Envelope{
		ID:      uuid.NewString(),
		Kind:    domain.EnvelopePush,
		Type:    msgType,
		Content: content,
	}}
}

func (b *fakeBus) respond(t *testing.T, req sentEnvelope, code int, payload any) {
	t.Helper()
	var content json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		content = raw
	}
	b.events <- domain.BusEvent{Message: &domain.Envelope{
		ID:      uuid.NewString(),
		Kind:    domain.EnvelopeResponse,
		Type:    req.Type,
		ReplyTo: req.ID,
		Code:    code,
		Content: content,
	}}
}

func (b *fakeBus) sentOf(msgType string) []sentEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []sentEnvelope
	for _, env := range b.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (b *fakeBus) count(msgType string) int {
	return len(b.sentOf(msgType))
}

// waitSent blocks until at least n messages of msgType were sent and returns them.
func (b *fakeBus) waitSent(t *testing.T, msgType string, n int) []sentEnvelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.count(msgType) >= n
	}, waitFor, tick, "expected %d %s messages", n, msgType)
	return b.sentOf(msgType)
}

// countFor counts the messages of msgType sent for peerID.
func (b *fakeBus) countFor(t *testing.T, msgType string, peerID domain.PeerID) int {
	t.Helper()
	n := 0
	for _, env := range b.sentOf(msgType) {
		var addressed struct {
			PeerID domain.PeerID `json:"peerId"`
		}
		require.NoError(t, json.Unmarshal(env.Content, &addressed))
		if addressed.PeerID == peerID {
			n++
		}
	}
	return n
}

func (b *fakeBus) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func decode[T any](t *testing.T, env sentEnvelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Content, &out))
	return out
}

type fakeEngine struct {
	mu      sync.Mutex
	devices []*fakeDevice
	// gate, when set, holds every Produce call of new transports until closed.
	gate chan struct{}
}

func (e *fakeEngine) NewDevice() (domain.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := &fakeDevice{engine: e}
	e.devices = append(e.devices, d)
	return d, nil
}

func (e *fakeEngine) setGate(gate chan struct{}) {
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
}

// transports returns every transport created so far, oldest first.
func (e *fakeEngine) transports() []*fakeTransport {
	e.mu.Lock()
	devices := append([]*fakeDevice(nil), e.devices...)
	e.mu.Unlock()

	var out []*fakeTransport
	for _, d := range devices {
		d.mu.Lock()
		out = append(out, d.transports...)
		d.mu.Unlock()
	}
	return out
}

func (e *fakeEngine) waitTransport(t *testing.T, n int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.transports()) >= n
	}, waitFor, tick)
	return e.transports()[n-1]
}

type fakeDevice struct {
	engine     *fakeEngine
	mu         sync.Mutex
	loaded     bool
	caps       domain.RtpCapabilities
	transports []*fakeTransport
}

func (d *fakeDevice) Load(ctx context.Context, caps domain.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = true
	d.caps = caps
	return nil
}

func (d *fakeDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *fakeDevice) RtpCapabilities() domain.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *fakeDevice) CanProduce(kind domain.Kind) bool {
	return len(d.RtpCapabilities().CodecsOf(kind)) > 0
}

func (d *fakeDevice) CreateSendTransport(opts domain.TransportOptions) (domain.Transport, error) {
	return d.newTransport(opts), nil
}

func (d *fakeDevice) CreateRecvTransport(opts domain.TransportOptions) (domain.Transport, error) {
	return d.newTransport(opts), nil
}

func (d *fakeDevice) newTransport(opts domain.TransportOptions) *fakeTransport {
	d.engine.mu.Lock()
	gate := d.engine.gate
	d.engine.mu.Unlock()

	t := &fakeTransport{
		opts:   opts,
		gate:   gate,
		states: make(chan domain.ConnectionState, 16),
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t
}

type fakeTransport struct {
	opts    domain.TransportOptions
	gate    chan struct{}
	states  chan domain.ConnectionState
	connect sync.Once

	mu        sync.Mutex
	producers []*fakeProducer
	consumers []*fakeConsumer
	closed    bool
}

func (t *fakeTransport) ID() string {
	return t.opts.ID
}

func (t *fakeTransport) dtlsConnect(ctx context.Context) error {
	var err error
	t.connect.Do(func() {
		err = t.opts.OnConnect(ctx, domain.DtlsParameters{Role: "client"})
	})
	return err
}

func (t *fakeTransport) Produce(ctx context.Context, opts domain.ProduceOptions) (domain.Producer, error) {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := t.dtlsConnect(ctx); err != nil {
		return nil, err
	}

	id, err := t.opts.OnProduce(ctx, domain.ProduceRequest{
		Kind:          opts.Track.Kind(),
		RtpParameters: domain.RtpParameters{Mid: "0"},
		AppData:       opts.AppData,
	})
	if err != nil {
		return nil, err
	}

	p := &fakeProducer{id: id, kind: opts.Track.Kind(), track: opts.Track, owned: opts.StopTracks}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts domain.ConsumeOptions) (domain.Consumer, error) {
	if err := t.dtlsConnect(ctx); err != nil {
		return nil, err
	}
	c := &fakeConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		track:      newFakeTrack("remote-"+opts.ProducerID, opts.Kind),
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) ConnectionStates() <-chan domain.ConnectionState {
	return t.states
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.states)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) emit(state domain.ConnectionState) {
	t.states <- state
}

func (t *fakeTransport) producerList() []*fakeProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeProducer(nil), t.producers...)
}

func (t *fakeTransport) consumerList() []*fakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConsumer(nil), t.consumers...)
}

func (t *fakeTransport) waitConsumer(tb *testing.T, n int) *fakeConsumer {
	tb.Helper()
	require.Eventually(tb, func() bool {
		return len(t.consumerList()) >= n
	}, waitFor, tick)
	return t.consumerList()[n-1]
}

type fakeTrack struct {
	id      string
	kind    domain.Kind
	clones  atomic.Int32
	stopped atomic.Bool
}

func newFakeTrack(id string, kind domain.Kind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind}
}

func (t *fakeTrack) ID() string        { return t.id }
func (t *fakeTrack) Kind() domain.Kind { return t.kind }
func (t *fakeTrack) Stop()             { t.stopped.Store(true) }

func (t *fakeTrack) Clone() (domain.Track, error) {
	n := t.clones.Add(1)
	return newFakeTrack(fmt.Sprintf("%s-clone%d", t.id, n), t.kind), nil
}

type fakeProducer struct {
	id   string
	kind domain.Kind

	mu     sync.Mutex
	track  domain.Track
	owned  bool
	paused bool
	closed bool
}

func (p *fakeProducer) ID() string        { return p.id }
func (p *fakeProducer) Kind() domain.Kind { return p.kind }

func (p *fakeProducer) Track() domain.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *fakeProducer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

func (p *fakeProducer) ReplaceTrack(ctx context.Context, track domain.Track, stopTrack bool) error {
	p.mu.Lock()
	p.track = track
	p.owned = stopTrack
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) ownsTrack() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owned
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       domain.Kind
	track      *fakeTrack

	mu        sync.Mutex
	paused    bool
	closed    bool
	resumedAt int64
	pausedAt  int64
}

func (c *fakeConsumer) ID() string          { return c.id }
func (c *fakeConsumer) ProducerID() string  { return c.producerID }
func (c *fakeConsumer) Kind() domain.Kind   { return c.kind }
func (c *fakeConsumer) Track() domain.Track { return c.track }

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.pausedAt = seq.Add(1)
	c.mu.Unlock()
}

func (c *fakeConsumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.resumedAt = seq.Add(1)
	c.mu.Unlock()
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSink struct {
	mu         sync.Mutex
	tracks     []domain.Track
	clears     int
	reloads    int
	quality    domain.PlaybackQuality
	hasQuality bool
}

func (s *fakeSink) AddTrack(track domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
}

func (s *fakeSink) RemoveTrack(track domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == track {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = nil
	s.clears++
}

func (s *fakeSink) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
}

func (s *fakeSink) PlaybackQuality() (domain.PlaybackQuality, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality, s.hasQuality
}

func (s *fakeSink) setQuality(q domain.PlaybackQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
	s.hasQuality = true
}

func (s *fakeSink) trackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *fakeSink) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

type recordingMetrics struct {
	mu           sync.Mutex
	softReleases map[string]int
	superseded   map[domain.Kind]int
	recovered    int
	negotiations map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		softReleases: make(map[string]int),
		superseded:   make(map[domain.Kind]int),
		negotiations: make(map[string]int),
	}
}

func (m *recordingMetrics) PeerAdded(domain.Role)   {}
func (m *recordingMetrics) PeerRemoved(domain.Role) {}

func (m *recordingMetrics) NegotiationFinished(_ domain.Role, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations[result]++
}

func (m *recordingMetrics) SoftRelease(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softReleases[reason]++
}

func (m *recordingMetrics) ProduceSuperseded(kind domain.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.superseded[kind]++
}

func (m *recordingMetrics) TransportStateChanged(domain.ConnectionState) {}

func (m *recordingMetrics) PlaybackRecovered(domain.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered++
}

func (m *recordingMetrics) SignalingMessage(string, string) {}

func (m *recordingMetrics) softReleaseCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softReleases[reason]
}

func (m *recordingMetrics) supersededCount(kind domain.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.superseded[kind]
}

func (m *recordingMetrics) negotiationCount(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiations[result]
}

type harness struct {
	t       *testing.T
	bus     *fakeBus
	engine  *fakeEngine
	clock   *clock.Mock
	metrics *recordingMetrics
	client  *MediaClient

	newReceivers    chan domain.PeerID
	closedReceivers chan domain.PeerID
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	opts := Options{UserID: "user-1"}
	for _, fn := range configure {
		fn(&opts)
	}

	mock := clock.NewMock()
	h := &harness{
		t:               t,
		bus:             newFakeBus(),
		engine:          &fakeEngine{},
		clock:           mock,
		metrics:         newRecordingMetrics(),
		newReceivers:    make(chan domain.PeerID, 16),
		closedReceivers: make(chan domain.PeerID, 16),
	}

	client, err := NewMediaClient(opts, Dependencies{
		Bus:      h.bus,
		Engine:   h.engine,
		Registry: memory.NewPeerRegistry(mock),
		Metrics:  h.metrics,
		Clock:    mock,
		Logger:   zaptest.NewLogger(t).Sugar(),
	}, Callbacks{
		OnNewReceiver:    func(id domain.PeerID) { h.newReceivers <- id },
		OnReceiverClosed: func(id domain.PeerID) { h.closedReceivers <- id },
	})
	require.NoError(t, err)
	h.client = client

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), waitFor)
		defer closeCancel()
		_ = client.Close(closeCtx)
		cancel()
		<-done
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) waitJoined() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var joined bool
		err := h.client.call(context.Background(), func() error {
			joined = h.client.channel.Joined()
			return nil
		})
		return err == nil && joined
	}, waitFor, tick)
}

func (h *harness) peer(id domain.PeerID) (domain.PeerInfo, bool) {
	info, err := h.client.Peer(context.Background(), id)
	return info, err == nil
}

func (h *harness) eventuallyPeer(id domain.PeerID, cond func(domain.PeerInfo) bool, msgAndArgs ...any) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		info, ok := h.peer(id)
		return ok && cond(info)
	}, waitFor, tick, msgAndArgs...)
}

// negotiate walks a peer through capability and transport creation and
// returns its engine transport.
func (h *harness) negotiate(peerID domain.PeerID, transportID string) *fakeTransport {
	h.t.Helper()
	before := len(h.engine.transports())

	created := h.bus.countFor(h.t, domain.MsgCreateTransport, peerID)
	h.bus.push(h.t, domain.MsgCapabilityResult, domain.CapabilityResult{PeerID: peerID, RtpCapabilities: &routerCaps})
	require.Eventually(h.t, func() bool {
		return h.bus.countFor(h.t, domain.MsgCreateTransport, peerID) > created
	}, waitFor, tick)

	h.bus.push(h.t, domain.MsgTransportCreated, domain.TransportCreated{
		PeerID:         peerID,
		ID:             transportID,
		IceParameters:  domain.IceParameters{UsernameFragment: "ufrag", Password: "pwd"},
		DtlsParameters: domain.DtlsParameters{Role: "auto"},
	})
	return h.engine.waitTransport(h.t, before+1)
}

// producerCreated answers the n-th produce request with serverID.
func (h *harness) producerCreated(n int, peerID domain.PeerID, serverID string) domain.ProduceMessage {
	h.t.Helper()
	msg := decode[domain.ProduceMessage](h.t, h.bus.waitSent(h.t, domain.MsgProduce, n)[n-1])
	h.bus.push(h.t, domain.MsgProducerCreated, domain.ProducerCreated{
		PeerID:           peerID,
		ProducerID:       serverID,
		ProducerClientID: msg.ProducerClientID,
	})
	return msg
}
