// # Go Client Package for PACER Voice Sessions
//
// Package voice runs the voice side of a PACER sales-training game: it captures the
// trainee's microphone, gates and streams speech to a real-time speech model through
// the backend proxy, plays the simulated prospect's audio back, and reconciles both
// sides of the conversation into a transcript that is persisted to the game backend.
//
// The Supervisor owns every component and is the only entry point an embedding
// application needs. It publishes HostEvent values on Events and is driven through its
// methods (SetSession, SetMode, Pause, Resume, MuteInput, MuteOutput, Reconnect, Stop).
package voice
