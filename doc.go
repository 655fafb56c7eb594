// Package moqcapture consumes one live video broadcast from a streaming
// server and feeds decoded RGBA frames to a renderer.
//
// # Architecture
//
//	Transport ──▶ Client ──▶ decode.Pipeline ──▶ Renderer
//	               │
//	               └── handle chain: origin ▶ session ▶ broadcast ▶ catalog ▶ track
//
// The Client owns a strictly ordered chain of transport handles. Handles
// are acquired root-to-leaf as the connection proceeds and released
// leaf-to-root on every disconnect, reconnect and shutdown.
//
// # Concurrency model
//
// Lifecycle calls (NewClient, Update, Close) arrive on host threads;
// status, catalog and frame callbacks arrive on transport threads. Three
// mechanisms keep them honest:
//
//   - one mutex guards the handle chain, the settings and the decoder
//     state
//   - a generation counter stamps every connection attempt; callbacks
//     capture the generation they were created under and discard their
//     results (releasing any handed-in handles) when it no longer
//     matches
//   - a callback gate counts in-flight callbacks so Close can block
//     until true quiescence instead of sleeping and hoping
//
// Requesting a reconnect while one is in progress is a no-op rather than
// a queued attempt; settings are re-read at each connection boundary, so
// the in-progress attempt picks up the latest values.
//
// # Usage
//
//	client, err := moqcapture.NewClient(moqcapture.ClientConfig{
//		Transport:  transport,
//		Decoders:   gstcodec.NewFactory(),
//		Converters: gstcodec.NewConverterFactory(),
//		Renderer:   bus,
//		Settings:   moqcapture.DefaultSettings(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Update(moqcapture.Settings{
//		URL:       "https://relay.example.com:4443",
//		Broadcast: "studio/cam1",
//	})
//
// Decoded frames reach the Renderer as packed RGBA with pass-through
// microsecond timestamps. A blank delivery clears the display whenever
// no valid imagery is available: on disconnect, at the start of every
// reconnect, and on broadcast errors.
package moqcapture
