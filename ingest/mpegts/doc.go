// Package mpegts implements MPEG-TS demuxing with H.264/H.265 video and AAC
// audio parsing, CEA-608/708 closed-caption decoding, and SCTE-35 splice
// event extraction. Demuxer does the low-level parsing and delivers frames
// on channels; Producer wraps a Demuxer to satisfy the demux.Producer
// interface, converting those frames into demux.Packet values for the
// buffering cache layer in package demux.
package mpegts
