package shared

// Version is overridden at build time with -ldflags "-X github.com/bt-bridge/pacer-voice/shared.Version=...".
var Version = "dev"
