package moqcapture

import "time"

// The transport collaborator. The wire protocol and its library are out
// of scope for this module: implementations wrap a real MoQ stack (or,
// for tests and demos, the replay package). All callbacks may fire on
// threads the client does not control; the client performs its own
// shutdown and generation validation on every entry.

// StatusFunc receives the asynchronous session status: nil once the
// session is connected, an error when the connection failed or was lost.
type StatusFunc func(err error)

// CatalogFunc receives catalog deliveries. Each delivered Catalog is an
// independent handle the receiver must close; a non-nil error means the
// catalog could not be fetched (the handle is nil in that case).
type CatalogFunc func(catalog Catalog, err error)

// FrameFunc receives one video frame handle per delivered frame, in FIFO
// order for the track. The receiver must close the handle, including
// when it discards the frame.
type FrameFunc func(frame FrameRef)

// Transport creates consumption contexts and sessions.
type Transport interface {
	// NewOrigin creates a client-side context under which broadcasts
	// are consumed.
	NewOrigin() (Origin, error)

	// Connect opens a session to the server at addr. publish may be nil
	// (this client never publishes). The status callback fires
	// asynchronously once the session is established or fails.
	Connect(addr string, publish, consume Origin, onStatus StatusFunc) (Session, error)
}

// Origin is a consumption context bound to one server connection.
type Origin interface {
	// ConsumeBroadcast subscribes to the named broadcast.
	ConsumeBroadcast(path string) (Broadcast, error)
	Close() error
}

// Session is the transport-level connection to the server.
type Session interface {
	Close() error
}

// Broadcast is a subscription to a named broadcast.
type Broadcast interface {
	// SubscribeCatalog subscribes to the broadcast's track metadata.
	// onCatalog fires for the initial catalog and again for every
	// update.
	SubscribeCatalog(onCatalog CatalogFunc) (CatalogSub, error)
	Close() error
}

// CatalogSub is a live catalog subscription. Closing it stops catalog
// deliveries.
type CatalogSub interface {
	Close() error
}

// Catalog is one delivered snapshot of the broadcast's track metadata.
type Catalog interface {
	// VideoConfig reads the video configuration of the given track.
	VideoConfig(track int) (VideoConfig, error)

	// SubscribeVideo subscribes to the given video track's frame
	// stream. latency is a buffering hint; zero requests minimal
	// buffering. The returned Track stays valid after the Catalog is
	// closed.
	SubscribeVideo(track int, latency time.Duration, onFrame FrameFunc) (Track, error)

	Close() error
}

// Track is a subscription to one video track's frame stream.
type Track interface {
	Close() error
}

// FrameRef is a handle to one delivered compressed frame.
type FrameRef interface {
	// Chunk reads the frame payload and metadata.
	Chunk() (FrameChunk, error)
	Close() error
}

// FrameChunk is the payload of one compressed frame.
type FrameChunk struct {
	Payload         []byte
	TimestampMicros int64
	Keyframe        bool
}
