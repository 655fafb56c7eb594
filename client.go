package moqcapture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/moq-capture/internal/decode"
	"github.com/e7canasta/moq-capture/internal/lifecycle"
)

// ReconnectConfig controls automatic reconnection after a session
// failure. Disabled by default: the host's next settings update always
// triggers a reconnect regardless.
type ReconnectConfig struct {
	// Enabled turns automatic retry on.
	Enabled bool
	// MaxRetries is the number of attempts before giving up (default 5).
	MaxRetries int
	// RetryDelay is the initial backoff delay (default 1s).
	RetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff (default 30s).
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig returns the default automatic-retry settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:       false,
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ClientConfig wires a Client to its collaborators.
type ClientConfig struct {
	// Transport provides origin/session/broadcast/catalog/track
	// primitives (required).
	Transport Transport
	// Decoders opens codec contexts (required).
	Decoders DecoderFactory
	// Converters opens pixel converters (required).
	Converters ConverterFactory
	// Renderer receives decoded frames and blanks (required).
	Renderer Renderer
	// Settings are the initial connection settings; if they are valid
	// the client connects during construction.
	Settings Settings
	// Reconnect controls automatic retry after session failures.
	Reconnect ReconnectConfig
}

// Client consumes one named broadcast from a streaming server and feeds
// decoded frames to a renderer.
//
// Lifecycle calls (NewClient, Update, Close) and transport callbacks
// (status, catalog, frame) run concurrently on threads the client does
// not schedule. One mutex guards the handle chain, the settings and the
// decode pipeline; a generation counter invalidates results of
// superseded connection attempts; a callback gate makes Close wait for
// true quiescence. Callbacks check the shutdown flag before and after
// taking the lock, and re-validate generation and handle validity after
// every lock acquisition.
type Client struct {
	transport Transport
	renderer  Renderer
	recfg     ReconnectConfig

	gen  lifecycle.Generation
	gate lifecycle.Gate

	mu         sync.Mutex
	settings   Settings
	state      State
	chain      handleChain
	pipeline   *decode.Pipeline
	retries    int
	retryTimer *time.Timer
	lastFrame  time.Time

	started    time.Time
	reconnects atomic.Uint32
	staleDrops atomic.Uint64
}

// NewClient validates the configuration, creates the client and, when
// the initial settings are valid, connects.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("moq-capture: transport is required")
	}
	if cfg.Decoders == nil {
		return nil, fmt.Errorf("moq-capture: decoder factory is required")
	}
	if cfg.Converters == nil {
		return nil, fmt.Errorf("moq-capture: converter factory is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("moq-capture: renderer is required")
	}

	recfg := cfg.Reconnect
	if recfg.MaxRetries <= 0 {
		recfg.MaxRetries = DefaultReconnectConfig().MaxRetries
	}
	if recfg.RetryDelay <= 0 {
		recfg.RetryDelay = DefaultReconnectConfig().RetryDelay
	}
	if recfg.MaxRetryDelay <= 0 {
		recfg.MaxRetryDelay = DefaultReconnectConfig().MaxRetryDelay
	}

	c := &Client{
		transport: cfg.Transport,
		renderer:  cfg.Renderer,
		recfg:     recfg,
		state:     StateDisconnected,
		pipeline:  decode.NewPipeline(cfg.Decoders, cfg.Converters, cfg.Renderer),
		started:   time.Now(),
	}

	slog.Info("moq-capture: client created",
		"url", cfg.Settings.URL,
		"broadcast", cfg.Settings.Broadcast,
		"auto_reconnect", recfg.Enabled,
	)

	if cfg.Settings != (Settings{}) {
		c.Update(cfg.Settings)
	}
	return c, nil
}

// Update applies new connection settings. It is idempotent when nothing
// changed, triggers a reconnect when the settings changed and are valid,
// and disconnects without reconnecting when either field is empty.
func (c *Client) Update(s Settings) {
	c.mu.Lock()
	if c.gate.Closed() {
		c.mu.Unlock()
		return
	}
	changed := s != c.settings
	c.settings = s
	valid := s.valid()
	c.mu.Unlock()

	if !changed {
		return
	}

	if valid {
		slog.Info("moq-capture: settings changed, reconnecting",
			"url", s.URL,
			"broadcast", s.Broadcast,
		)
		c.reconnect()
		return
	}

	slog.Info("moq-capture: settings changed but incomplete, disconnecting")
	c.mu.Lock()
	c.disconnectLocked()
	c.mu.Unlock()
	c.renderer.DeliverBlank()
}

// Close shuts the client down: the shutdown flag is set first (under the
// lock, so every later callback fast-rejects), all handles are released
// leaf-to-root, the pipeline is destroyed, and then Close blocks until
// every in-flight callback has left. After Close returns no callback
// touches the client again. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.gate.Closed() {
		c.mu.Unlock()
		c.gate.Wait()
		return nil
	}
	c.gate.Shutdown()
	c.state = StateShuttingDown
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.chain.teardown()
	c.pipeline.Close()
	c.mu.Unlock()

	c.gate.Wait()

	stats := c.Stats()
	slog.Info("moq-capture: client closed",
		"frames_decoded", stats.FramesDecoded,
		"reconnects", stats.Reconnects,
		"stale_drops", stats.StaleDrops,
		"uptime_s", fmt.Sprintf("%.1f", stats.UptimeSeconds),
	)
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pipeline.Snapshot()

	uptime := time.Since(c.started).Seconds()
	var fps float64
	if uptime > 0 {
		fps = float64(p.FramesDecoded) / uptime
	}

	lastAge := int64(-1)
	if !c.lastFrame.IsZero() {
		lastAge = time.Since(c.lastFrame).Milliseconds()
	}

	return ClientStats{
		State:             c.state,
		Generation:        c.gen.Current(),
		Reconnects:        c.reconnects.Load(),
		StaleDrops:        c.staleDrops.Load(),
		FramesDecoded:     p.FramesDecoded,
		FramesSkipped:     p.FramesSkipped,
		DecodeErrors:      p.DecodeErrors,
		ConverterRebuilds: p.ConverterRebuilds,
		Codec:             p.Codec.String(),
		Width:             p.Width,
		Height:            p.Height,
		FPSReal:           fps,
		LastFrameAgeMS:    lastAge,
		UptimeSeconds:     uptime,
	}
}

// disconnectLocked releases all handles and decoder state without
// starting a new attempt. Caller holds c.mu.
func (c *Client) disconnectLocked() {
	c.chain.teardown()
	c.pipeline.Close()
	if c.state != StateShuttingDown {
		c.state = StateDisconnected
	}
}

// reconnect drives one connection attempt: bump the generation, release
// the previous attempt's handles, blank the display, then open origin
// and session. The rest of the chain is driven by the session status
// callback. A reconnect requested while one is in progress is ignored,
// not queued; settings are re-read at each boundary, so the in-progress
// attempt reflects the latest update once it completes.
func (c *Client) reconnect() {
	gen, ok := c.gen.Begin()
	if !ok {
		slog.Debug("moq-capture: reconnect already in progress, skipping")
		return
	}
	defer c.gen.End()
	c.reconnects.Add(1)

	c.mu.Lock()
	if c.gate.Closed() {
		c.mu.Unlock()
		return
	}
	slog.Info("moq-capture: reconnecting", "generation", gen)
	c.disconnectLocked()
	c.state = StateConnectingOrigin
	url := c.settings.URL
	c.mu.Unlock()

	// Never show stale imagery while a new attempt runs.
	c.renderer.DeliverBlank()

	origin, err := c.transport.NewOrigin()
	if err != nil {
		slog.Error("moq-capture: origin creation failed", "error", err, "generation", gen)
		c.failAttempt(gen)
		return
	}

	session, err := c.transport.Connect(url, nil, origin, func(err error) {
		c.onSessionStatus(gen, err)
	})
	if err != nil {
		slog.Error("moq-capture: session connect failed", "error", err, "url", url, "generation", gen)
		closeHandle("origin", origin)
		c.failAttempt(gen)
		return
	}

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) {
		c.mu.Unlock()
		slog.Info("moq-capture: generation superseded during reconnect setup, releasing handles",
			"generation", gen,
		)
		closeHandle("session", session)
		closeHandle("origin", origin)
		return
	}
	if err := c.chain.installSession(origin, session); err != nil {
		c.mu.Unlock()
		closeHandle("session", session)
		closeHandle("origin", origin)
		return
	}
	c.state = StateConnectingSession
	c.mu.Unlock()

	slog.Info("moq-capture: connecting", "url", url, "generation", gen)
}

// onSessionStatus handles the asynchronous session status for the
// attempt that captured gen.
func (c *Client) onSessionStatus(gen uint64, serr error) {
	if !c.gate.Enter() {
		return
	}
	defer c.gate.Leave()

	c.mu.Lock()
	if c.gate.Closed() {
		c.mu.Unlock()
		return
	}
	if !c.gen.Matches(gen) || c.chain.session == nil {
		c.mu.Unlock()
		c.staleDrops.Add(1)
		slog.Debug("moq-capture: ignoring stale session status", "generation", gen)
		return
	}

	if serr == nil {
		c.mu.Unlock()
		slog.Info("moq-capture: session connected", "generation", gen)
		c.startConsume(gen)
		return
	}

	slog.Error("moq-capture: session failed", "error", serr, "generation", gen)
	c.chain.teardown()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.renderer.DeliverBlank()
	c.maybeScheduleRetry()
}

// startConsume continues the attempt after the session connected:
// consume the broadcast, then subscribe to its catalog. The broadcast
// path is re-read from the live settings, not from a snapshot taken at
// reconnect time.
func (c *Client) startConsume(gen uint64) {
	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) || c.chain.origin == nil {
		c.mu.Unlock()
		slog.Debug("moq-capture: skipping stale consume", "generation", gen)
		return
	}
	origin := c.chain.origin
	path := c.settings.Broadcast
	c.mu.Unlock()

	broadcast, err := origin.ConsumeBroadcast(path)
	if err != nil {
		slog.Error("moq-capture: consuming broadcast failed",
			"broadcast", path,
			"error", err,
			"generation", gen,
		)
		c.abandonAttempt(gen)
		return
	}

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) {
		c.mu.Unlock()
		closeHandle("broadcast", broadcast)
		return
	}
	if err := c.chain.installBroadcast(broadcast); err != nil {
		c.mu.Unlock()
		closeHandle("broadcast", broadcast)
		return
	}
	c.mu.Unlock()

	catalogSub, err := broadcast.SubscribeCatalog(func(cat Catalog, cerr error) {
		c.onCatalog(gen, cat, cerr)
	})
	if err != nil {
		slog.Error("moq-capture: catalog subscription failed",
			"broadcast", path,
			"error", err,
			"generation", gen,
		)
		c.abandonAttempt(gen)
		return
	}

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) {
		c.mu.Unlock()
		closeHandle("catalog", catalogSub)
		return
	}
	if err := c.chain.installCatalog(catalogSub); err != nil {
		c.mu.Unlock()
		closeHandle("catalog", catalogSub)
		return
	}
	c.state = StateAwaitingCatalog
	c.mu.Unlock()

	slog.Info("moq-capture: consuming broadcast", "broadcast", path, "generation", gen)
}

// onCatalog handles one catalog delivery: read the video configuration,
// (re)configure the decode pipeline, subscribe the video track, and
// install the track only if the generation is still current. The
// delivered catalog handle is always closed, on every path.
func (c *Client) onCatalog(gen uint64, cat Catalog, cerr error) {
	if !c.gate.Enter() {
		if cat != nil {
			closeHandle("catalog", cat)
		}
		return
	}
	defer c.gate.Leave()

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) || !c.chain.connected() {
		c.mu.Unlock()
		c.staleDrops.Add(1)
		if cat != nil {
			closeHandle("catalog", cat)
		}
		return
	}
	c.mu.Unlock()

	if cerr != nil {
		// Likely an invalid broadcast path; keep the display blank and
		// wait for a later delivery or a settings update.
		slog.Error("moq-capture: catalog delivery failed", "error", cerr, "generation", gen)
		c.renderer.DeliverBlank()
		return
	}

	cfg, err := cat.VideoConfig(0)
	if err != nil {
		slog.Error("moq-capture: reading video config failed", "error", err, "generation", gen)
		closeHandle("catalog", cat)
		return
	}

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) {
		c.mu.Unlock()
		c.staleDrops.Add(1)
		closeHandle("catalog", cat)
		return
	}
	err = c.pipeline.Configure(cfg)
	c.mu.Unlock()
	if err != nil {
		// This delivery is abandoned without retry; a subsequent
		// catalog delivery may name a configuration we can decode.
		slog.Error("moq-capture: decoder configuration failed",
			"codec", cfg.CodecID,
			"error", err,
			"generation", gen,
		)
		closeHandle("catalog", cat)
		return
	}

	track, err := cat.SubscribeVideo(0, 0, func(f FrameRef) {
		c.onFrame(gen, f)
	})
	if err != nil {
		slog.Error("moq-capture: video track subscription failed", "error", err, "generation", gen)
		closeHandle("catalog", cat)
		return
	}

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) {
		c.mu.Unlock()
		c.staleDrops.Add(1)
		closeHandle("track", track)
		closeHandle("catalog", cat)
		return
	}
	if err := c.chain.installTrack(track); err != nil {
		c.mu.Unlock()
		closeHandle("track", track)
		closeHandle("catalog", cat)
		return
	}
	c.state = StateDecoding
	c.retries = 0
	c.mu.Unlock()

	closeHandle("catalog", cat)
	slog.Info("moq-capture: subscribed to video track",
		"codec", cfg.CodecID,
		"generation", gen,
	)
}

// onFrame handles one delivered compressed frame. Frames may arrive
// before the track handle is installed, so validity is checked against
// the broadcast, not the track. The frame handle is closed on every
// path, including discards.
func (c *Client) onFrame(gen uint64, f FrameRef) {
	if f == nil {
		return
	}
	if !c.gate.Enter() {
		closeHandle("frame", f)
		return
	}
	defer c.gate.Leave()

	c.mu.Lock()
	if c.gate.Closed() || !c.gen.Matches(gen) || !c.chain.connected() {
		c.mu.Unlock()
		c.staleDrops.Add(1)
		closeHandle("frame", f)
		return
	}
	if !c.pipeline.Configured() {
		c.mu.Unlock()
		closeHandle("frame", f)
		return
	}

	chunk, err := f.Chunk()
	if err != nil {
		c.mu.Unlock()
		slog.Error("moq-capture: reading frame failed", "error", err, "generation", gen)
		closeHandle("frame", f)
		return
	}

	c.pipeline.Decode(decode.Unit{
		Payload:         chunk.Payload,
		TimestampMicros: chunk.TimestampMicros,
		Keyframe:        chunk.Keyframe,
	})
	c.lastFrame = time.Now()
	c.mu.Unlock()

	closeHandle("frame", f)
}

// failAttempt records a failed attempt that never installed handles.
func (c *Client) failAttempt(gen uint64) {
	c.mu.Lock()
	if !c.gate.Closed() && c.gen.Matches(gen) {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.maybeScheduleRetry()
}

// abandonAttempt tears down a partially built chain after a consume or
// subscribe failure, blanks the display and stays Disconnected.
func (c *Client) abandonAttempt(gen uint64) {
	c.mu.Lock()
	if !c.gate.Closed() && c.gen.Matches(gen) {
		c.chain.teardown()
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.renderer.DeliverBlank()
	c.maybeScheduleRetry()
}

// maybeScheduleRetry arms the automatic-reconnect timer with exponential
// backoff when auto-reconnect is enabled and the settings are still
// valid. Attempts reset once a track is installed.
func (c *Client) maybeScheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recfg.Enabled || c.gate.Closed() || !c.settings.valid() {
		return
	}
	if c.retries >= c.recfg.MaxRetries {
		slog.Error("moq-capture: max reconnect attempts exceeded, giving up",
			"attempts", c.retries,
		)
		return
	}
	c.retries++
	delay := backoffDelay(c.retries, c.recfg)

	slog.Warn("moq-capture: scheduling reconnect",
		"attempt", c.retries,
		"max_retries", c.recfg.MaxRetries,
		"delay", delay,
	)

	c.retryTimer = time.AfterFunc(delay, func() {
		if !c.gate.Enter() {
			return
		}
		defer c.gate.Leave()
		c.reconnect()
	})
}

// backoffDelay is retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func backoffDelay(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
