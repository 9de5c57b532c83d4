package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ArchiveWriter appends one JSON line per dispatched envelope to an
// append-only file. Writes are best-effort: a lock or write failure is
// logged and swallowed, never allowed to abort a dispatch.
type ArchiveWriter struct {
	path   string
	logger zerolog.Logger
}

func NewArchiveWriter(path string, logger zerolog.Logger) *ArchiveWriter {
	return &ArchiveWriter{path: path, logger: logger.With().Str("component", "archive").Logger()}
}

type archiveLine struct {
	Timestamp   string          `json:"timestamp"`
	CommandID   string          `json:"command_id"`
	DeviceID    string          `json:"device_id"`
	ServerSeq   *int64          `json:"server_seq"`
	Method      string          `json:"method"`
	Sensitive   bool            `json:"sensitive"`
	RequestSig  string          `json:"request_sig"`
	EnvelopeSig string          `json:"envelope_sig"`
	Envelope    json.RawMessage `json:"envelope"`
}

func (w *ArchiveWriter) AppendCommandEnvelope(cmd *Command) {
	if w.path == "" {
		return
	}

	envelope := json.RawMessage(cmd.Envelope)
	if len(envelope) == 0 {
		envelope = json.RawMessage("null")
	}

	line, err := json.Marshal(archiveLine{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		ServerSeq:   cmd.ServerSeq,
		Method:      cmd.Method,
		Sensitive:   cmd.Sensitive,
		RequestSig:  cmd.RequestSig,
		EnvelopeSig: cmd.EnvelopeSig,
		Envelope:    envelope,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("failed to encode archive line")
		return
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o775); err != nil {
		w.logger.Warn().Err(err).Msg("failed to create archive directory")
		return
	}

	fh, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to open archive file")
		return
	}
	defer fh.Close()

	// Exclusive advisory lock so concurrent writers never interleave
	// within a line.
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX); err != nil {
		w.logger.Warn().Err(err).Msg("failed to lock archive file")
		return
	}
	defer unix.Flock(int(fh.Fd()), unix.LOCK_UN)

	if _, err := fh.Write(append(line, '\n')); err != nil {
		w.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("failed to append archive line")
	}
}
