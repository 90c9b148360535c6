package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/internal/metrics"
	"github.com/benmeehan/tracker-relay/internal/models"
	"github.com/benmeehan/tracker-relay/internal/reconciler"
	"github.com/benmeehan/tracker-relay/internal/utils"
	"github.com/benmeehan/tracker-relay/pkg/store"
	"github.com/benmeehan/tracker-relay/pkg/traccar"
)

// SessionAuthenticator exchanges operator credentials for a session token.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, creds traccar.Credentials) (traccar.Token, error)
}

// StreamDialer opens the streaming socket with a session token.
type StreamDialer interface {
	Dial(ctx context.Context, token traccar.Token) (traccar.Conn, error)
}

// ServerInspector reports the tracking server version. Authenticators that
// also implement it get a version check after each successful login.
type ServerInspector interface {
	ServerInfo(ctx context.Context, token traccar.Token) (*traccar.ServerInfo, error)
}

// PartialApplier merges partial device records into storage.
type PartialApplier interface {
	ApplyPosition(ctx context.Context, p models.Position) error
	ApplyMetadata(ctx context.Context, d models.Device) error
}

// TransportError reports a dial or read failure on the stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamConfig holds the tunables of the reconnect loop.
type StreamConfig struct {
	Credentials        traccar.Credentials
	ReconnectDelay     time.Duration // Flat delay after every lost or failed connection
	ReadTimeout        time.Duration // Max silence before the connection is dropped, 0 disables
	WriteTimeout       time.Duration // Timeout for one store write
	DrainTimeout       time.Duration // Max wait for queued writes on Stop
	Workers            int           // Number of store writers
	CheckServerVersion bool
}

// session is the token and connection of one reconnect cycle. Only the loop
// goroutine reads or replaces it.
type session struct {
	token traccar.Token
	conn  traccar.Conn
}

func (s *session) close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// StreamService keeps one streaming connection to the tracking service open,
// re-authenticating and reconnecting after a fixed delay whenever it is lost.
// Frames are processed one at a time; the store writes they produce are queued
// on a worker pool keyed by device id and are never awaited by the read loop.
type StreamService struct {
	Config        StreamConfig
	Authenticator SessionAuthenticator
	Dialer        StreamDialer
	Applier       PartialApplier
	Logger        zerolog.Logger

	state       atomic.Value
	connections atomic.Uint64
	frames      atomic.Uint64

	pool        *utils.WorkerPool
	writeCtx    context.Context
	writeCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewStreamService initializes a new StreamService.
func NewStreamService(config StreamConfig, authenticator SessionAuthenticator, dialer StreamDialer,
	applier PartialApplier, logger zerolog.Logger) *StreamService {

	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = constants.DefaultReconnectDelay
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = constants.DefaultWriteTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = constants.DefaultDrainTimeout
	}
	if config.Workers <= 0 {
		config.Workers = constants.DefaultWriteWorkers
	}

	s := &StreamService{
		Config:        config,
		Authenticator: authenticator,
		Dialer:        dialer,
		Applier:       applier,
		Logger:        logger,
	}
	s.state.Store(constants.StateDisconnected)
	return s
}

// State returns the current connection state.
func (s *StreamService) State() constants.StreamState {
	return s.state.Load().(constants.StreamState)
}

// Connections returns the number of connections opened so far.
func (s *StreamService) Connections() uint64 {
	return s.connections.Load()
}

// Frames returns the number of frames received so far.
func (s *StreamService) Frames() uint64 {
	return s.frames.Load()
}

// Start launches the reconnect loop in a separate goroutine.
func (s *StreamService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StreamService is already running")
		return errors.New("stream service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.writeCtx, s.writeCancel = context.WithCancel(context.Background())
	s.pool = utils.NewWorkerPool(s.Config.Workers)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.Logger.Info().Dur("reconnect_delay", s.Config.ReconnectDelay).Msg("StreamService started successfully")
	return nil
}

// Stop closes the current connection and ends the loop, then gives queued
// store writes up to DrainTimeout to finish. Writes still queued after that
// are dropped and in-flight ones have their context cancelled.
func (s *StreamService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StreamService is not running")
		return errors.New("stream service is not running")
	}

	s.cancel()
	s.wg.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.Config.DrainTimeout)
	dropped, err := s.pool.Shutdown(drainCtx)
	cancelDrain()
	s.writeCancel()
	if err != nil {
		metrics.RecordDroppedWrites(dropped)
		s.Logger.Warn().Err(err).Int("dropped", dropped).Msg("Store writes did not drain before shutdown")
	}

	s.ctx = nil
	s.cancel = nil
	s.writeCtx = nil
	s.writeCancel = nil

	s.Logger.Info().Msg("StreamService stopped successfully")
	return nil
}

// run is the reconnect loop. Cycles never overlap: the next one starts only
// after the previous connection is torn down and the delay has elapsed.
func (s *StreamService) run() {
	for {
		s.cycle()
		s.setState(constants.StateDisconnected)

		select {
		case <-s.ctx.Done():
			s.Logger.Info().Msg("StreamService stopping gracefully")
			return
		case <-time.After(s.Config.ReconnectDelay):
		}
		metrics.ReconnectsTotal.Inc()
	}
}

// cycle authenticates, dials and reads until the connection is lost.
func (s *StreamService) cycle() {
	s.setState(constants.StateConnecting)

	token, err := s.Authenticator.Authenticate(s.ctx, s.Config.Credentials)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		metrics.RecordAuthFailure(err)
		s.Logger.Error().Err(err).Dur("retry_in", s.Config.ReconnectDelay).Msg("Authentication failed")
		s.setState(constants.StateError)
		return
	}
	sess := &session{token: token}
	s.checkServerVersion(sess.token)

	conn, err := s.Dialer.Dial(s.ctx, sess.token)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		err = &TransportError{Op: "dial", Err: err}
		s.Logger.Error().Err(err).Dur("retry_in", s.Config.ReconnectDelay).Msg("Failed to open stream")
		s.setState(constants.StateError)
		return
	}
	sess.conn = conn
	defer sess.close()

	// ReadMessage does not observe the context, so cancellation closes the socket.
	stopWatch := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stopWatch()

	s.connections.Add(1)
	s.setState(constants.StateConnected)
	s.Logger.Info().Msg("Stream connected")

	err = s.readLoop(sess)
	if s.ctx.Err() != nil {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		s.Logger.Warn().Int("code", closeErr.Code).Str("reason", closeErr.Text).
			Dur("retry_in", s.Config.ReconnectDelay).Msg("Stream closed by server")
		s.setState(constants.StateClosed)
		return
	}
	s.Logger.Error().Err(err).Dur("retry_in", s.Config.ReconnectDelay).Msg("Stream connection lost")
	s.setState(constants.StateError)
}

func (s *StreamService) readLoop(sess *session) error {
	for {
		if s.Config.ReadTimeout > 0 {
			if err := sess.conn.SetReadDeadline(time.Now().Add(s.Config.ReadTimeout)); err != nil {
				return &TransportError{Op: "read", Err: err}
			}
		}

		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		s.frames.Add(1)
		s.handleFrame(frame)
	}
}

// handleFrame parses one frame and dispatches its partials. A malformed frame
// is dropped without touching the connection.
func (s *StreamService) handleFrame(frame []byte) {
	envelope, err := models.ParseEnvelope(frame)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(metrics.FrameMalformed).Inc()
		s.Logger.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}
	metrics.FramesTotal.WithLabelValues(metrics.FrameOK).Inc()

	if len(envelope.Events) > 0 {
		s.Logger.Debug().Int("bytes", len(envelope.Events)).Msg("Ignoring events in frame")
	}
	if envelope.IsEmpty() {
		return
	}

	for _, position := range envelope.Positions {
		position := position
		s.dispatch(reconciler.DeviceKey(position.DeviceID), metrics.PartialPosition, func(ctx context.Context) error {
			return s.Applier.ApplyPosition(ctx, position)
		})
	}
	for _, device := range envelope.Devices {
		device := device
		s.dispatch(reconciler.DeviceKey(device.ID), metrics.PartialMetadata, func(ctx context.Context) error {
			return s.Applier.ApplyMetadata(ctx, device)
		})
	}
}

func (s *StreamService) dispatch(key, kind string, apply func(ctx context.Context) error) {
	metrics.PartialsTotal.WithLabelValues(kind).Inc()

	writeCtx := s.writeCtx
	submitted := s.pool.Submit(key, func() {
		ctx, cancel := context.WithTimeout(writeCtx, s.Config.WriteTimeout)
		defer cancel()

		err := apply(ctx)
		metrics.RecordStoreWrite(err)
		if err == nil {
			return
		}

		event := s.Logger.Error().Err(err).Str("device", key).Str("kind", kind)
		var persistErr *store.PersistenceError
		if errors.As(err, &persistErr) {
			event = event.Str("collection", persistErr.Collection)
		}
		event.Msg("Failed to persist partial")
	})
	if !submitted {
		metrics.RecordDroppedWrites(1)
	}
}

func (s *StreamService) checkServerVersion(token traccar.Token) {
	if !s.Config.CheckServerVersion {
		return
	}
	inspector, ok := s.Authenticator.(ServerInspector)
	if !ok {
		return
	}

	info, err := inspector.ServerInfo(s.ctx, token)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("Failed to read server info")
		return
	}
	supported, err := info.CheckVersion(constants.MinServerVersion)
	if err != nil {
		s.Logger.Warn().Err(err).Str("version", info.Version).Msg("Unrecognized server version")
		return
	}
	if !supported {
		s.Logger.Warn().Str("version", info.Version).Str("required", constants.MinServerVersion).
			Msg("Tracking server is older than supported")
	}
}

func (s *StreamService) setState(state constants.StreamState) {
	s.state.Store(state)
	metrics.RecordStreamState(state)
}
