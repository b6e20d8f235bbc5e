// Package avif implements an AVIF container decoder and encoder.
//
// The decoder parses the ISOBMFF box hierarchy, builds the item and
// track graphs with their ancillary properties, validates structural
// constraints, and schedules per-tile invocations of an external AV1
// codec to materialize pixel-plane images. The symmetric encoder path
// serializes AV1 payloads into the container.
//
// Codec implementations register through RegisterCodec; the dav1d and
// aom sibling packages provide purego-based bindings. Without a usable
// codec, parsing and metadata extraction still work, and decoding fails
// with NoCodecAvailable.
package avif
