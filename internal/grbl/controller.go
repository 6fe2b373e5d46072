package grbl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// RXBufferSize is the serial receive buffer of a stock GRBL build.
	RXBufferSize = 128
	// MaxLineLength is the longest line GRBL accepts, excluding the newline.
	MaxLineLength = 80
	// BufferFull is the fill level at which no further line may be sent.
	BufferFull = 100

	DefaultQueryTimeout = 2 * time.Second

	statusQuery      = '?'
	parserStateQuery = "$G"
)

// SessionState is the lifecycle of one controller session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnected
	StateStreaming
	StateCompleted
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Options configures a Controller.
type Options struct {
	Dialer           Dialer
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration
}

type pendingCommand struct {
	line     string
	size     int
	streamed bool
	// seq is the 1-based position of a streamed line within the current job.
	seq int
}

// Controller interprets GRBL responses on top of a Link: character-counting
// flow control, outstanding command count, alarm/error flags and telemetry.
type Controller struct {
	link         *Link
	queryTimeout time.Duration
	logger       *log.Entry

	mu            sync.Mutex
	state         SessionState
	commandsCount int
	lineSeq       int
	pending       []pendingCommand
	alarm         bool
	alarmCode     int
	failed        bool
	errorCode     int
	failedLine    string
	failedSeq     int
	status        Status
	parserState   ParserState

	statusCh chan Status
	parserCh chan ParserState
}

func NewController(opts Options) *Controller {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	return &Controller{
		link:         NewLink(opts.Dialer, opts.HandshakeTimeout),
		queryTimeout: opts.QueryTimeout,
		logger:       log.WithField("component", "grbl"),
		statusCh:     make(chan Status, 1),
		parserCh:     make(chan ParserState, 1),
	}
}

// Connect opens the link and takes an initial status snapshot so that an
// alarm raised at power-up is visible before anything is streamed.
func (c *Controller) Connect(ctx context.Context, port string, baud int) error {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	if err := c.link.Open(ctx, port, baud, c.handleLine); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	if _, err := c.QueryStatusReport(ctx); err != nil {
		c.logger.WithError(err).Warn("Initial status report unavailable")
	}
	return nil
}

// Disconnect closes the link. Calling it again, or without a prior Connect, is a no-op.
func (c *Controller) Disconnect() error {
	// The link must be closed without holding c.mu: the reader goroutine may be
	// waiting on it inside handleLine.
	err := c.link.Close()

	c.mu.Lock()
	c.state = StateIdle
	c.pending = nil
	c.commandsCount = 0
	c.mu.Unlock()
	return err
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.commandsCount = 0
	c.lineSeq = 0
	c.pending = nil
	c.alarm, c.alarmCode = false, 0
	c.failed, c.errorCode, c.failedLine, c.failedSeq = false, 0, "", 0
	c.status = Status{}
	c.parserState = ParserState{}
}

// RestartCommandsCount zeroes the outstanding command counter and the line
// numbering before a new job.
func (c *Controller) RestartCommandsCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandsCount = 0
	c.lineSeq = 0
	for i := range c.pending {
		c.pending[i].streamed = false
		c.pending[i].seq = 0
	}
	if c.state == StateConnected || c.state == StateCompleted {
		c.state = StateStreaming
	}
}

// Drained reports whether every line streamed since the last restart has been
// acknowledged. A streaming session that is drained moves to StateCompleted.
func (c *Controller) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandsCount > 0 {
		return false
	}
	if c.state == StateStreaming {
		c.state = StateCompleted
	}
	return true
}

func (c *Controller) GetCommandsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandsCount
}

// GetBufferFill returns the RX buffer occupancy in percent. It reports
// BufferFull as soon as a maximum-length line would no longer fit.
func (c *Controller) GetBufferFill() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	used := 0
	for _, p := range c.pending {
		used += p.size
	}
	if RXBufferSize-used < MaxLineLength+1 {
		return BufferFull
	}
	return used * 100 / RXBufferSize
}

func (c *Controller) Alarm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alarm
}

func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// FailedLineNumber is the job line number of the command the device rejected,
// or 0 if no streamed line was rejected.
func (c *Controller) FailedLineNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedSeq
}

// FaultDetail describes the latest alarm or error, empty when none occurred.
func (c *Controller) FaultDetail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.alarm && c.alarmCode > 0:
		return fmt.Sprintf("ALARM:%d %s", c.alarmCode, AlarmDescription(c.alarmCode))
	case c.alarm:
		return "machine reported Alarm state"
	case c.failed:
		return fmt.Sprintf("error:%d %s (line %q)", c.errorCode, ErrorDescription(c.errorCode), c.failedLine)
	}
	return ""
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendCommand writes one line to the device without waiting for its "ok".
func (c *Controller) SendCommand(line string) error {
	line = strings.TrimRight(line, "\r\n")

	c.mu.Lock()
	c.lineSeq++
	c.pending = append(c.pending, pendingCommand{line: line, size: len(line) + 1, streamed: true, seq: c.lineSeq})
	c.commandsCount++
	c.mu.Unlock()

	if err := c.link.WriteLine(line); err != nil {
		c.mu.Lock()
		c.dropLastLocked()
		c.commandsCount--
		c.lineSeq--
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Controller) dropLastLocked() {
	if n := len(c.pending); n > 0 {
		c.pending = c.pending[:n-1]
	}
}

// QueryStatusReport sends '?' and waits for the next status report.
func (c *Controller) QueryStatusReport(ctx context.Context) (Status, error) {
	select {
	case <-c.statusCh:
	default:
	}
	if err := c.link.WriteRealtime(statusQuery); err != nil {
		return c.lastStatus(), err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	select {
	case st := <-c.statusCh:
		return st, nil
	case <-ctx.Done():
		return c.lastStatus(), fmt.Errorf("status report: %w", ctx.Err())
	}
}

// QueryGcodeParserState sends $G and waits for the [GC:...] reply. $G occupies
// RX buffer space like any line, so it is tracked for flow control.
func (c *Controller) QueryGcodeParserState(ctx context.Context) (ParserState, error) {
	select {
	case <-c.parserCh:
	default:
	}

	c.mu.Lock()
	c.pending = append(c.pending, pendingCommand{line: parserStateQuery, size: len(parserStateQuery) + 1})
	c.mu.Unlock()

	if err := c.link.WriteLine(parserStateQuery); err != nil {
		c.mu.Lock()
		c.dropLastLocked()
		c.mu.Unlock()
		return c.lastParserState(), err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	select {
	case ps := <-c.parserCh:
		return ps, nil
	case <-ctx.Done():
		return c.lastParserState(), fmt.Errorf("parser state: %w", ctx.Err())
	}
}

func (c *Controller) lastStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) lastParserState() ParserState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parserState
}

// handleLine runs on the link's reader goroutine.
func (c *Controller) handleLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case line == "ok":
		c.ackLocked()

	case strings.HasPrefix(line, "error:"):
		cmd := c.ackLocked()
		c.failed = true
		c.errorCode = parseCode(line)
		c.failedLine = cmd.line
		c.failedSeq = cmd.seq
		c.state = StateAborted
		c.logger.WithFields(log.Fields{"code": c.errorCode, "line": cmd.line, "line_no": cmd.seq}).
			Errorf("Device rejected line: %s", ErrorDescription(c.errorCode))

	case strings.HasPrefix(line, "ALARM:"):
		c.alarm = true
		c.alarmCode = parseCode(line)
		c.state = StateAborted
		c.logger.WithField("code", c.alarmCode).Errorf("Alarm: %s", AlarmDescription(c.alarmCode))

	case strings.HasPrefix(line, "<"):
		st, err := ParseStatus(line)
		if err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed status report")
			return
		}
		c.status = st
		if st.State == MachineAlarm && !c.alarm {
			c.alarm = true
			c.state = StateAborted
			c.logger.Error("Machine is in Alarm state")
		}
		publishLatest(c.statusCh, st)

	case strings.HasPrefix(line, "[GC:"):
		ps, err := ParseParserState(line)
		if err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed parser state")
			return
		}
		c.parserState = ps
		publishLatest(c.parserCh, ps)

	case strings.HasPrefix(line, greetingPrefix):
		// Soft reset: the device dropped whatever was buffered.
		c.pending = nil
		c.commandsCount = 0

	case strings.HasPrefix(line, "[MSG:"):
		c.logger.Info(line)

	default:
		c.logger.Debugf("Unhandled device output: %s", line)
	}
}

func (c *Controller) ackLocked() pendingCommand {
	if len(c.pending) == 0 {
		return pendingCommand{}
	}
	cmd := c.pending[0]
	c.pending = c.pending[1:]
	if cmd.streamed && c.commandsCount > 0 {
		c.commandsCount--
	}
	return cmd
}

func publishLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
