package types

// Version is the canonical project version.
// The CLI, the worker binary and the frame protocol share this version.
const Version = "0.3.0"

// ProtocolVersion is the worker frame protocol version.
// Workers announce it in their ready frame; a client refuses mismatches.
const ProtocolVersion = Version
