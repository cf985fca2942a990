// Package worker runs an external deepfake model as a long-lived child
// process and exposes it as an imagecheck.FaceScorer.
//
// Requests go to the child's stdin as [uint32 length][PNG bytes]. Replies
// come back on a side-channel pipe (fd 3 in the child) as
// [uint32 length][status][body]:
//
//	status 0: float32 probability
//	status 1: uint32 message length, message
//	status 2: no verdict
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/anatolykoptev/go-imagecheck"
)

// Reply status bytes.
const (
	StatusOK        byte = 0
	StatusError     byte = 1
	StatusNoVerdict byte = 2
)

// Replies larger than this are treated as a broken stream.
const maxReplyBytes = 1 << 20

// ErrWorkerDead is returned once the child can no longer be talked to.
var ErrWorkerDead = errors.New("worker: process is not running")

// SafeCommand wraps exec.Cmd and keeps the child's stderr for crash reports.
type SafeCommand struct {
	*exec.Cmd
	Stderr *LockedBuffer
}

// LockedBuffer is a bytes.Buffer that may be written by the exec copier
// while being read.
type LockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Tail returns up to the last n bytes written.
func (b *LockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.Bytes()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return string(s)
}

// NewSafeCommand prepares, but does not start, a command whose stderr is
// buffered.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &LockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Process is one running model worker. Calls are serialised.
type Process struct {
	ID        int
	Cmd       *SafeCommand
	Stdin     io.WriteCloser
	DataPipe  io.ReadCloser
	InputSize int

	mu   sync.Mutex
	dead error
}

// Start launches name with args and wires the request and reply pipes.
func Start(id int, inputSize int, name string, args ...string) (*Process, error) {
	cmd := NewSafeCommand(name, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end from here on.
	w.Close()

	slog.Debug("worker: started", slog.Int("id", id), slog.String("cmd", name), slog.Int("pid", cmd.Process.Pid))

	return &Process{
		ID:        id,
		Cmd:       cmd,
		Stdin:     stdin,
		DataPipe:  r,
		InputSize: inputSize,
	}, nil
}

// Communicate sends one framed request and reads one framed reply.
func (w *Process) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead != nil {
		return nil, w.dead
	}
	resp, err := w.roundTrip(data)
	if err != nil {
		// A half-read frame leaves the stream unusable.
		w.dead = fmt.Errorf("%w: %v", ErrWorkerDead, err)
		if tail := w.StderrTail(); tail != "" {
			slog.Debug("worker: crashed", slog.Int("id", w.ID), slog.String("stderr", tail))
		}
		return nil, err
	}
	return resp, nil
}

func (w *Process) roundTrip(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxReplyBytes {
		return nil, fmt.Errorf("worker: invalid reply length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// Score sends an encoded face and decodes the reply.
func (w *Process) Score(data []byte) (float64, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return 0, err
	}
	return parseReply(resp)
}

func parseReply(resp []byte) (float64, error) {
	switch resp[0] {
	case StatusOK:
		if len(resp) < 5 {
			return 0, fmt.Errorf("worker: short score reply (%d bytes)", len(resp))
		}
		p := float64(math.Float32frombits(binary.BigEndian.Uint32(resp[1:5])))
		return p, nil
	case StatusError:
		if len(resp) < 5 {
			return 0, fmt.Errorf("worker: short error reply (%d bytes)", len(resp))
		}
		n := binary.BigEndian.Uint32(resp[1:5])
		msg := resp[5:]
		if int(n) < len(msg) {
			msg = msg[:n]
		}
		return 0, fmt.Errorf("%w: model error: %s", imagecheck.ErrNoVerdict, msg)
	case StatusNoVerdict:
		return 0, imagecheck.ErrNoVerdict
	default:
		return 0, fmt.Errorf("worker: unknown reply status %d", resp[0])
	}
}

// ScoreFace implements imagecheck.FaceScorer. The face is resized to the
// model input size and sent as PNG. When ctx ends first the child is
// killed, since its reply stream can no longer be trusted.
func (w *Process) ScoreFace(ctx context.Context, face image.Image) (float64, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, imagecheck.PrepareFace(face, w.InputSize)); err != nil {
		return 0, fmt.Errorf("worker: encode face: %w", err)
	}

	type reply struct {
		p   float64
		err error
	}
	done := make(chan reply, 1)
	go func() {
		p, err := w.Score(buf.Bytes())
		done <- reply{p, err}
	}()

	select {
	case r := <-done:
		return r.p, r.err
	case <-ctx.Done():
		w.kill(ctx.Err())
		return 0, ctx.Err()
	}
}

func (w *Process) kill(cause error) {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	// Unblocks a pending read.
	w.DataPipe.Close()
	slog.Debug("worker: killed", slog.Int("id", w.ID), slog.Any("cause", cause))
}

// Alive reports whether the worker still accepts requests.
func (w *Process) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead == nil
}

// StderrTail returns the last 2 KiB the child wrote to stderr.
func (w *Process) StderrTail() string {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return ""
	}
	return w.Cmd.Stderr.Tail(2048)
}

// Close shuts the pipes and waits for the child.
func (w *Process) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Closing stdin is the shutdown signal; a non-zero exit after it is not
		// worth reporting.
		return nil
	}
	return err
}
