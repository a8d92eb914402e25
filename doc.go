// Package virtualgpulutbox receives 3D LUTs from a color-grading controller
// over the network and republishes them as GPU-consumable Hald textures on
// named per-channel outputs.
//
// # Architecture
//
// The pipeline is a straight line with exactly one stateful stage:
//
//	┌─────────────────────────────────────┐
//	│       Connection Servers            │  TCP (framed BSON) and
//	│        (server package)             │  WebSocket (binary messages)
//	└──────────────────┬──────────────────┘
//	                   │ one goroutine per connection
//	┌──────────────────▼──────────────────┐
//	│       Protocol + Cube Codec         │  envelope parsing, cube
//	│     (protocol and lut packages)     │  validation, Hald tiling
//	└──────────────────┬──────────────────┘
//	                   │ pure, stateless
//	┌──────────────────▼──────────────────┐
//	│      Channel Output Manager         │  per-channel sink lifecycle,
//	│         (stream package)            │  serialized per channel
//	└──────────────────┬──────────────────┘
//	                   │
//	┌──────────────────▼──────────────────┐
//	│            Sinks                    │  NATS subjects, files,
//	│         (sink package)              │  or a null backend
//	└─────────────────────────────────────┘
//
// Every request receives exactly one acknowledgment: {result: 1} on success,
// {result: 0, error: ...} on failure. Commands the system does not act on
// (currently setCDL and anything unrecognized) are acknowledged as success so
// a controller never stalls.
//
// # Wire format
//
// Messages are BSON documents; a document's leading int32 is its total
// length, so the TCP stream is self-framing. A setLUT payload carries
// float32 RGBA groups in red-fastest order. The decoded cube keeps values
// exactly as sent, including HDR values outside [0, 1].
//
// # Channels
//
// A controller names its output channel in the arguments ("channel") or by
// instance metadata. Each channel maps to an output stream: the base name
// alone for the default channel, base-channel otherwise. Channels resize
// independently; publishing a differently sized LUT tears down and recreates
// only that channel's sink.
package virtualgpulutbox
