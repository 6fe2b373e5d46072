package grbl

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second

	wakeUpSequence = "\r\n\r\n"
	greetingPrefix = "Grbl "

	// handshakeQuiet is how long the device must stay silent after its first
	// reply before the link is handed over.
	handshakeQuiet = 50 * time.Millisecond
)

// Port is the byte stream to the device. go.bug.st/serial ports satisfy it.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Port for the given device name and baud rate.
type Dialer func(name string, baud int) (Port, error)

// Link owns the serial connection: line writes, realtime bytes, and a reader
// goroutine that hands every received line to the registered callback.
type Link struct {
	dial             Dialer
	handshakeTimeout time.Duration
	logger           *log.Entry

	mu        sync.Mutex
	port      Port
	name      string
	closing   bool
	done      chan struct{}
	handshake chan string
	settling  bool
	lastRx    time.Time
	readErr   error
	onLine    func(string)
}

func NewLink(dial Dialer, handshakeTimeout time.Duration) *Link {
	if dial == nil {
		dial = SerialDialer
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Link{
		dial:             dial,
		handshakeTimeout: handshakeTimeout,
		logger:           log.WithField("component", "grbl-link"),
	}
}

// Open dials the port, starts the reader and waits for the device to answer
// the wake-up sequence. A board that resets on open answers with its greeting;
// one that does not answers the blank lines with "ok". Those acks belong to no
// command and are not passed on. onLine is called from the reader goroutine
// for every other non-empty line.
func (l *Link) Open(ctx context.Context, name string, baud int, onLine func(string)) error {
	l.mu.Lock()
	if l.port != nil {
		l.mu.Unlock()
		return nil
	}
	port, err := l.dial(name, baud)
	if err != nil {
		l.mu.Unlock()
		return &ConnectionError{Port: name, Err: err}
	}
	done := make(chan struct{})
	handshake := make(chan string, 1)
	l.port, l.name = port, name
	l.closing = false
	l.readErr = nil
	l.done, l.handshake = done, handshake
	l.settling = true
	l.onLine = onLine
	l.mu.Unlock()

	go l.readLoop(port, done)

	if _, err := port.Write([]byte(wakeUpSequence)); err != nil {
		l.Close()
		return &ConnectionError{Port: name, Err: err}
	}

	timer := time.NewTimer(l.handshakeTimeout)
	defer timer.Stop()

	select {
	case reply := <-handshake:
		if err := l.waitQuiet(ctx, done); err != nil {
			l.Close()
			return &ConnectionError{Port: name, Err: err}
		}
		logger := l.logger.WithFields(log.Fields{"port": name, "baud": baud})
		if strings.HasPrefix(reply, greetingPrefix) {
			logger.Infof("Connected: %s", reply)
		} else {
			logger.Info("Connected to a device that did not reset")
		}
		return nil
	case <-done:
		cause := l.dropCause()
		l.Close()
		return &ConnectionError{Port: name, Err: cause}
	case <-timer.C:
		l.Close()
		return &ConnectionError{Port: name, Err: ErrHandshakeTimeout}
	case <-ctx.Done():
		l.Close()
		return &ConnectionError{Port: name, Err: ctx.Err()}
	}
}

// waitQuiet lets the rest of the wake-up replies arrive and be discarded.
func (l *Link) waitQuiet(ctx context.Context, done chan struct{}) error {
	for {
		l.mu.Lock()
		idle := time.Since(l.lastRx)
		if idle >= handshakeQuiet {
			l.settling = false
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-time.After(handshakeQuiet - idle):
		case <-done:
			return l.dropCause()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) dropCause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return l.readErr
	}
	return io.ErrUnexpectedEOF
}

func (l *Link) readLoop(port Port, done chan struct{}) {
	defer close(done)
	reader := bufio.NewReader(port)
	for {
		raw, err := reader.ReadString('\n')
		if line := strings.TrimSpace(raw); line != "" {
			l.dispatch(line)
		}
		if err != nil {
			l.mu.Lock()
			if !l.closing {
				l.readErr = err
				l.logger.WithError(err).Warn("Serial link dropped")
			}
			l.mu.Unlock()
			return
		}
	}
}

func (l *Link) dispatch(line string) {
	l.mu.Lock()
	onLine, handshake, settling := l.onLine, l.handshake, l.settling
	l.lastRx = time.Now()
	l.mu.Unlock()

	isAck := line == "ok"
	if handshake != nil && (isAck || strings.HasPrefix(line, greetingPrefix)) {
		select {
		case handshake <- line:
		default:
		}
	}
	if settling && isAck {
		return
	}
	if onLine != nil {
		onLine(line)
	}
}

// WriteLine sends one newline-terminated line without waiting for an answer.
func (l *Link) WriteLine(line string) error {
	line = strings.TrimRight(line, "\r\n")
	return l.write("write", []byte(line+"\n"))
}

// WriteRealtime sends a single realtime command byte such as '?'.
func (l *Link) WriteRealtime(b byte) error {
	return l.write("realtime write", []byte{b})
}

func (l *Link) write(op string, data []byte) error {
	l.mu.Lock()
	port, readErr := l.port, l.readErr
	l.mu.Unlock()

	if port == nil {
		return &TransportError{Op: op, Err: ErrNotConnected}
	}
	if readErr != nil {
		return &TransportError{Op: op, Err: readErr}
	}
	if _, err := port.Write(data); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// Connected reports whether the port is open and the reader is alive.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil && l.readErr == nil
}

// Close shuts the port and waits for the reader. Safe to call repeatedly.
func (l *Link) Close() error {
	l.mu.Lock()
	port, done, name := l.port, l.done, l.name
	if port == nil {
		l.mu.Unlock()
		return nil
	}
	l.port = nil
	l.closing = true
	l.mu.Unlock()

	err := port.Close()
	<-done

	l.mu.Lock()
	l.readErr = nil
	l.onLine = nil
	l.handshake = nil
	l.settling = false
	l.mu.Unlock()

	l.logger.WithField("port", name).Info("Disconnected")
	return err
}
