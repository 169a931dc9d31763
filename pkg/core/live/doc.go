// Package live holds the PCM16 audio helpers shared by the realtime relay:
// base64 framing for input_audio_buffer payloads and the multi-participant
// mixer used in conference sessions.
package live
