package command

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/envelope"
	"golang.org/x/time/rate"
)

// SinkState is the write sink state machine position.
type SinkState uint8

const (
	SinkIdle SinkState = iota
	SinkSending
	SinkAwaitingAck
	SinkComplete
	SinkFailed
)

func (s SinkState) String() string {
	switch s {
	case SinkIdle:
		return "idle"
	case SinkSending:
		return "sending"
	case SinkAwaitingAck:
		return "awaiting_ack"
	case SinkComplete:
		return "complete"
	case SinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WriteOptions describes one upload.
type WriteOptions struct {
	Filename string
	Filetype string
	// Size is the total payload length used for progress. Zero means unknown.
	Size int64
	// Params are extra fields sent with every chunk.
	Params map[string]any
	// ChunkSize and HighWaterMark override the channel defaults when positive.
	ChunkSize     int
	HighWaterMark int
	OnProgress    func(Progress)
}

// Progress is reported after each data chunk is accepted for transmission.
type Progress struct {
	BytesSent int64
	Total     int64
	Percent   float64
}

// SinkStats is a point-in-time view of a sink.
type SinkStats struct {
	State       SinkState
	InFlight    int
	MaxInFlight int
	Chunks      int
	BytesSent   int64
}

// WriteSink chunks, encodes and flow-controls one upload. Write, ReadFrom,
// Close and Abort belong to one producer goroutine; Cancel and Stats are
// safe from any goroutine.
type WriteSink struct {
	ch        *Channel
	cmd       Command
	e         *entry
	opts      WriteOptions
	chunkSize int
	hwm       int
	limiter   *rate.Limiter

	opMu sync.Mutex
	buf  []byte

	mu           sync.Mutex
	state        SinkState
	inFlight     int
	maxInFlight  int
	seq          int
	chunks       int
	sent         int64
	terminalSent bool
	err          error
}

func newWriteSink(ch *Channel, cmd Command, e *entry, opts WriteOptions) *WriteSink {
	s := &WriteSink{
		ch:        ch,
		cmd:       cmd,
		e:         e,
		opts:      opts,
		chunkSize: ch.cfg.WriteChunkSize,
		hwm:       ch.cfg.HighWaterMark,
	}
	if opts.ChunkSize > 0 {
		s.chunkSize = opts.ChunkSize
	}
	if opts.HighWaterMark > 0 {
		s.hwm = opts.HighWaterMark
	}
	if ch.cfg.WriteRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(ch.cfg.WriteRate), 1)
	}
	return s
}

func (s *WriteSink) Command() Command {
	return s.cmd
}

func (s *WriteSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		State:       s.state,
		InFlight:    s.inFlight,
		MaxInFlight: s.maxInFlight,
		Chunks:      s.chunks,
		BytesSent:   s.sent,
	}
}

// Write buffers p and emits every full chunk. It suspends while the number
// of unacknowledged chunks is at the high-water mark. On error n counts the
// bytes of p that were sent before the failure.
func (s *WriteSink) Write(ctx context.Context, p []byte) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}
	buffered := len(s.buf)
	s.buf = append(s.buf, p...)
	emitted := 0
	for len(s.buf) >= s.chunkSize {
		if err := s.emit(ctx, s.buf[:s.chunkSize], false); err != nil {
			// bytes of p that went out in earlier chunks
			return max(emitted-buffered, 0), err
		}
		s.buf = s.buf[s.chunkSize:]
		emitted += s.chunkSize
	}
	if emitted > 0 {
		s.buf = append([]byte(nil), s.buf...)
	}
	return len(p), nil
}

// ReadFrom writes r until EOF. It does not close the sink.
func (s *WriteSink) ReadFrom(ctx context.Context, r io.Reader) (int64, error) {
	buf := make([]byte, s.chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := s.Write(ctx, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Close flushes the partial chunk, sends the terminal chunk and waits for
// every outstanding acknowledgment.
func (s *WriteSink) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	state, err := s.state, s.err
	s.mu.Unlock()
	switch state {
	case SinkComplete:
		return nil
	case SinkFailed:
		return err
	}
	if len(s.buf) > 0 {
		if err := s.emit(ctx, s.buf, false); err != nil {
			return err
		}
		s.buf = nil
	}
	if err := s.emit(ctx, nil, true); err != nil {
		return err
	}
	for s.outstanding() > 0 {
		f, err := s.e.next(ctx, s.ch.cfg.IdleTimeout)
		if err != nil {
			return s.failWith(err)
		}
		if err := s.ack(f); err != nil {
			return s.failWith(err)
		}
	}
	s.mu.Lock()
	s.state = SinkComplete
	s.mu.Unlock()
	s.ch.finish(s.cmd, nil)
	s.ch.releaseWriter(s)
	observability.SetChunksInFlight(0)
	s.ch.logger.Debug().Str("command_id", s.cmd.ID).Int("chunks", s.chunks).Int64("bytes", s.sent).Msg("write complete")
	return nil
}

// Abort sends one best-effort abort chunk and fails the sink. Whatever the
// device already stored is left for the device to discard.
func (s *WriteSink) Abort(ctx context.Context) error {
	s.mu.Lock()
	state, seq := s.state, s.seq
	s.mu.Unlock()
	if state == SinkComplete || state == SinkFailed {
		return nil
	}
	chunk := envelope.Chunk{
		Filename: s.opts.Filename,
		Filetype: s.opts.Filetype,
		Data:     "",
		Append:   seq > 0,
		Complete: true,
		Seq:      seq,
		Abort:    true,
	}
	sendErr := s.send(ctx, chunk)
	_ = s.failWith(fmt.Errorf("%w: write aborted id=%s", ErrCanceled, s.cmd.ID))
	return sendErr
}

// Cancel detaches the sink without telling the device.
func (s *WriteSink) Cancel() {
	_ = s.failWith(fmt.Errorf("%w: id=%s", ErrCanceled, s.cmd.ID))
}

func (s *WriteSink) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SinkComplete:
		return ErrSinkClosed
	case SinkFailed:
		return s.err
	}
	return nil
}

func (s *WriteSink) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// emit sends one chunk once there is room under the high-water mark.
func (s *WriteSink) emit(ctx context.Context, data []byte, complete bool) error {
	if err := s.drainAcks(); err != nil {
		return s.failWith(err)
	}
	for s.outstanding() >= s.hwm {
		s.setState(SinkAwaitingAck)
		f, err := s.e.next(ctx, s.ch.cfg.IdleTimeout)
		if err != nil {
			return s.failWith(err)
		}
		if err := s.ack(f); err != nil {
			return s.failWith(err)
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.failWith(err)
		}
	}

	s.mu.Lock()
	if s.state == SinkFailed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = SinkSending
	seq := s.seq
	s.mu.Unlock()

	chunk := envelope.Chunk{
		Filename: s.opts.Filename,
		Filetype: s.opts.Filetype,
		Data:     base64.StdEncoding.EncodeToString(data),
		Append:   seq > 0,
		Complete: complete,
		Seq:      seq,
	}
	if err := s.send(ctx, chunk); err != nil {
		return s.failWith(err)
	}

	s.mu.Lock()
	s.seq++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	if complete {
		s.terminalSent = true
	} else {
		s.chunks++
		s.sent += int64(len(data))
	}
	s.state = SinkAwaitingAck
	inFlight := s.inFlight
	progress := Progress{BytesSent: s.sent, Total: s.opts.Size, Percent: percent(s.sent, s.opts.Size)}
	s.mu.Unlock()

	observability.SetChunksInFlight(inFlight)
	if !complete && s.opts.OnProgress != nil {
		s.opts.OnProgress(progress)
	}
	return nil
}

func (s *WriteSink) send(ctx context.Context, chunk envelope.Chunk) error {
	payload, err := envelope.EncodeRequest(envelope.Request{
		Method: string(s.cmd.Method),
		ID:     s.cmd.ID,
		Params: s.params(chunk),
	})
	if err != nil {
		return err
	}
	if err := s.ch.sender.SendText(ctx, payload); err != nil {
		return fmt.Errorf("command: send chunk seq=%d: %w", chunk.Seq, err)
	}
	return nil
}

func (s *WriteSink) params(chunk envelope.Chunk) any {
	if len(s.opts.Params) == 0 {
		return chunk
	}
	out := cloneParams(s.opts.Params)
	out["filename"] = chunk.Filename
	out["filetype"] = chunk.Filetype
	out["data"] = chunk.Data
	out["append"] = chunk.Append
	out["seq"] = chunk.Seq
	if chunk.Complete {
		out["complete"] = true
	}
	if chunk.Abort {
		out["abort"] = true
	}
	return out
}

func (s *WriteSink) drainAcks() error {
	for {
		f, ok := s.e.tryPop()
		if !ok {
			return nil
		}
		if err := s.ack(f); err != nil {
			return err
		}
	}
}

func (s *WriteSink) ack(f ResultFrame) error {
	if f.Failed() {
		return &DeviceError{CommandID: s.cmd.ID, Method: s.cmd.Method, Code: f.Code, Message: f.Message}
	}
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	inFlight := s.inFlight
	s.mu.Unlock()
	observability.SetChunksInFlight(inFlight)
	return nil
}

func (s *WriteSink) setState(state SinkState) {
	s.mu.Lock()
	if s.state != SinkFailed && s.state != SinkComplete {
		s.state = state
	}
	s.mu.Unlock()
}

// failWith moves the sink to Failed once and returns the first failure.
func (s *WriteSink) failWith(err error) error {
	s.mu.Lock()
	if s.state == SinkFailed {
		first := s.err
		s.mu.Unlock()
		return first
	}
	if s.state == SinkComplete {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.state = SinkFailed
	s.err = err
	s.mu.Unlock()

	s.e.fail(err)
	s.ch.finish(s.cmd, err)
	s.ch.releaseWriter(s)
	observability.SetChunksInFlight(0)
	s.ch.logger.Debug().Str("command_id", s.cmd.ID).Err(err).Msg("write failed")
	return err
}

func percent(sent, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(100, float64(sent)/float64(total)*100)
}
