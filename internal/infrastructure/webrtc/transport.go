package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sfuclient/internal/core/domain"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// Transport is one ICE+DTLS association with the router. DTLS parameters
// are handed to the server the first time a producer or consumer needs
// the connection.
type Transport struct {
	id     string
	send   bool
	api    *webrtc.API
	caps   domain.RtpCapabilities
	config EngineConfig
	logger *zap.SugaredLogger

	remoteICE        webrtc.ICEParameters
	remoteCandidates []webrtc.ICECandidate
	remoteDTLS       webrtc.DTLSParameters
	onConnect        domain.ConnectFunc
	onProduce        domain.ProduceFunc

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectMu sync.Mutex
	connected bool

	mu        sync.Mutex
	closed    bool
	states    chan domain.ConnectionState
	producers map[string]*Producer
	consumers map[string]*Consumer
	nextMid   int
}

func newTransport(api *webrtc.API, caps domain.RtpCapabilities, opts domain.TransportOptions, candidates []webrtc.ICECandidate, send bool, engine *Engine) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: engine.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	direction := "recv"
	if send {
		direction = "send"
	}
	t := &Transport{
		id:               opts.ID,
		send:             send,
		api:              api,
		caps:             caps,
		config:           engine.config,
		logger:           engine.logger.With("transport_id", opts.ID, "direction", direction),
		remoteICE:        iceParameters(opts.ICEParameters),
		remoteCandidates: candidates,
		remoteDTLS:       webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer, Fingerprints: dtlsFingerprints(opts.DTLSParameters.Fingerprints)},
		onConnect:        opts.OnConnect,
		onProduce:        opts.OnProduce,
		gatherer:         gatherer,
		ice:              ice,
		dtls:             dtls,
		states:           make(chan domain.ConnectionState, 16),
		producers:        make(map[string]*Producer),
		consumers:        make(map[string]*Consumer),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		if s, ok := connectionState(state); ok {
			t.emit(s)
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateFailed {
			t.emit(domain.ConnectionFailed)
		}
	})
	return t, nil
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) ConnectionStates() <-chan domain.ConnectionState {
	return t.states
}

func (t *Transport) emit(state domain.ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.states <- state:
	default:
		t.logger.Warnw("dropping connection state, consumer is behind", "state", state)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// connect gathers local candidates, hands the local DTLS parameters to the
// server and starts ICE and DTLS in the background. A failed attempt may
// be retried by the next producer or consumer.
func (t *Transport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.connected {
		return nil
	}
	if t.isClosed() {
		return fmt.Errorf("transport %s closed", t.id)
	}
	if err := t.gather(ctx); err != nil {
		return err
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	dtls := domain.DtlsParameters{Role: "client", Fingerprints: domainFingerprints(local.Fingerprints)}
	if err := t.onConnect(ctx, dtls); err != nil {
		return fmt.Errorf("connect transport %s: %w", t.id, err)
	}

	t.connected = true
	go t.start()
	return nil
}

func (t *Transport) gather(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if t.gatherer.State() == webrtc.ICEGathererStateNew {
		if err := t.gatherer.Gather(); err != nil {
			return fmt.Errorf("gather candidates: %w", err)
		}
	} else {
		once.Do(func() { close(done) })
	}

	timer := time.NewTimer(t.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.logger.Warnw("candidate gathering timed out, connecting with what we have", "timeout", t.config.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// start blocks until ICE and DTLS are up; ice-lite routers need the client
// to be the controlling agent.
func (t *Transport) start() {
	role := webrtc.ICERoleControlling
	if err := t.ice.SetRemoteCandidates(t.remoteCandidates); err != nil {
		t.fail("set remote candidates", err)
		return
	}
	if err := t.ice.Start(nil, t.remoteICE, &role); err != nil {
		t.fail("start ice", err)
		return
	}
	if err := t.dtls.Start(t.remoteDTLS); err != nil {
		t.fail("start dtls", err)
		return
	}
	t.logger.Infow("transport connected")
}

func (t *Transport) fail(step string, err error) {
	if t.isClosed() {
		return
	}
	t.logger.Errorw("transport failed", "step", step, "error", err)
	t.emit(domain.ConnectionFailed)
}

func (t *Transport) mid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	return mid
}

func (t *Transport) Produce(ctx context.Context, opts domain.ProduceOptions) (domain.Producer, error) {
	if !t.send {
		return nil, fmt.Errorf("%w: produce on a receive transport", domain.ErrInvalidParam)
	}
	track, ok := opts.Track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("%w: track %T cannot be sent", domain.ErrInvalidParam, opts.Track)
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(track.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	rtpParams, err := sendParameters(t.caps, track.Kind(), track.Codec(), sendParams)
	if err != nil {
		sender.Stop()
		return nil, err
	}
	rtpParams.Mid = t.mid()
	rtpParams.Rtcp.Cname = t.id
	if err := sender.Send(sendParams); err != nil {
		sender.Stop()
		return nil, fmt.Errorf("start rtp sender: %w", err)
	}

	id, err := t.onProduce(ctx, domain.ProduceRequest{
		Kind:          track.Kind(),
		RtpParameters: rtpParams,
		AppData:       opts.AppData,
	})
	if err != nil {
		sender.Stop()
		return nil, err
	}

	producer := newProducer(id, track, sender, opts.StopTracks, t.logger)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		producer.Close()
		return nil, fmt.Errorf("transport %s closed while producing", t.id)
	}
	t.producers[id] = producer
	t.mu.Unlock()

	go producer.readRTCP()
	t.logger.Infow("producer created", "producer_id", id, "kind", track.Kind(), "mid", rtpParams.Mid)
	return producer, nil
}

func (t *Transport) Consume(ctx context.Context, opts domain.ConsumeOptions) (domain.Consumer, error) {
	if t.send {
		return nil, fmt.Errorf("%w: consume on a send transport", domain.ErrInvalidParam)
	}
	recvParams, err := receiveParameters(opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp receiver: %w", err)
	}
	if err := receiver.Receive(recvParams); err != nil {
		receiver.Stop()
		return nil, fmt.Errorf("start rtp receiver: %w", err)
	}

	remote := receiver.Track()
	ssrc := uint32(recvParams.Encodings[0].SSRC)
	track := newRemoteTrack(opts.ID, opts.Kind, ssrc,
		func() (*rtp.Packet, error) {
			pkt, _, err := remote.ReadRTP()
			return pkt, err
		},
		func() error {
			_, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			return err
		},
	)
	track.levelExt = headerExtensionID(opts.RtpParameters, audioLevelURI)

	consumer := &Consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
		track:      track,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		consumer.Close()
		return nil, fmt.Errorf("transport %s closed while consuming", t.id)
	}
	t.consumers[opts.ID] = consumer
	t.mu.Unlock()

	go track.run()
	t.logger.Infow("consumer created", "consumer_id", opts.ID, "producer_id", opts.ProducerID, "kind", opts.Kind)
	return consumer, nil
}

// Close tears down every producer and consumer and both transports. The
// state stream is closed without a final state.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.states)
	producers := t.producers
	consumers := t.consumers
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	var result *multierror.Error
	for id, producer := range producers {
		if err := producer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("producer %s: %w", id, err))
		}
	}
	for id, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("consumer %s: %w", id, err))
		}
	}
	if err := t.dtls.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop dtls: %w", err))
	}
	if err := t.ice.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop ice: %w", err))
	}
	if err := t.gatherer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close gatherer: %w", err))
	}

	t.logger.Infow("transport closed")
	return result.ErrorOrNil()
}
