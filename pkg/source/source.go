// Package source defines the playable audio source abstraction.
//
// A [Source] yields canonical PCM (48 kHz, interleaved stereo float32) on
// demand. Codec- and transport-specific packages (source/decode,
// source/ffmpeg) supply a [Decoder] and wrap it in a [Stream], which handles
// format conversion, position bookkeeping and concurrent Close.
package source

import (
	"errors"
	"time"
)

var (
	// ErrNotSeekable is returned by Seek on sources that cannot reposition.
	ErrNotSeekable = errors.New("source: not seekable")

	// ErrClosed is returned by ReadSamples and Seek after Close.
	ErrClosed = errors.New("source: closed")
)

// Source is a decoded audio stream.
//
// ReadSamples and Seek must not be called concurrently with each other.
// Close may be called at any time from any goroutine; it unblocks a pending
// ReadSamples, which then returns [ErrClosed].
type Source interface {
	// ReadSamples fills dst with interleaved canonical samples and returns
	// how many were written. It returns 0, io.EOF at the end of the stream
	// and a *DecodeError when the input cannot be decoded.
	ReadSamples(dst []float32) (int, error)

	// Position is the playback time of the next sample ReadSamples returns.
	Position() time.Duration

	// Duration is the total length, or 0 when unknown (live streams).
	Duration() time.Duration

	// Seekable reports whether Seek is supported.
	Seekable() bool

	// Seek repositions the stream so the next sample corresponds to pos.
	Seek(pos time.Duration) error

	Close() error
}

// DecodeKind classifies decode failures.
type DecodeKind string

const (
	KindCorruptStream    DecodeKind = "corruptStream"
	KindUnsupportedCodec DecodeKind = "unsupportedCodec"
	KindIOFailure        DecodeKind = "ioFailure"
)

// DecodeError reports a failure to produce samples.
type DecodeError struct {
	Kind DecodeKind
	Op   string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "source: " + e.Op + ": " + string(e.Kind)
	}
	return "source: " + e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorKind lets the node's error taxonomy classify decode errors.
func (e *DecodeError) ErrorKind() string { return string(e.Kind) }

// Corrupt returns a corrupt-stream DecodeError.
func Corrupt(op string, err error) error {
	return &DecodeError{Kind: KindCorruptStream, Op: op, Err: err}
}

// UnsupportedCodec returns an unsupported-codec DecodeError.
func UnsupportedCodec(op string, err error) error {
	return &DecodeError{Kind: KindUnsupportedCodec, Op: op, Err: err}
}

// IOFailure returns an I/O DecodeError.
func IOFailure(op string, err error) error {
	return &DecodeError{Kind: KindIOFailure, Op: op, Err: err}
}
