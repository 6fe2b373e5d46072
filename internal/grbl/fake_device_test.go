package grbl

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
)

const testGreeting = "Grbl 1.1h ['$' for help]"

// fakePort is the host side of a pair of pipes.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *fakePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

// fakeDevice emulates enough of GRBL to exercise the controller.
type fakeDevice struct {
	toHost   *io.PipeWriter
	fromHost *io.PipeReader

	mu        sync.Mutex
	silent    bool
	noReset   bool
	autoAck   bool
	status    string
	gcState   string
	rejects   map[string]int
	received  []string
	greeted   bool
	writeLock sync.Mutex
}

func newFakeDevice() (*fakeDevice, *fakePort) {
	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()
	dev := &fakeDevice{
		toHost:   devW,
		fromHost: devR,
		autoAck:  true,
		status:   "<Idle|MPos:0.000,0.000,0.000|Bf:15,128|FS:0,0>",
		gcState:  "[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]",
		rejects:  map[string]int{},
	}
	go dev.serve()
	return dev, &fakePort{r: hostR, w: hostW}
}

func (d *fakeDevice) send(line string) error {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()
	_, err := d.toHost.Write([]byte(line + "\r\n"))
	return err
}

func (d *fakeDevice) serve() {
	reader := bufio.NewReader(d.fromHost)
	var line strings.Builder
	for {
		b, err := reader.ReadByte()
		if err != nil {
			d.toHost.Close()
			return
		}
		switch b {
		case '?':
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			d.send(status)
		case '\r':
		case '\n':
			d.handle(line.String())
			line.Reset()
		default:
			line.WriteByte(b)
		}
	}
}

func (d *fakeDevice) handle(line string) {
	d.mu.Lock()
	if line == "" {
		// A board without auto-reset acks every blank line and never greets.
		ack := d.noReset && !d.silent
		greet := !d.greeted && !d.silent && !d.noReset
		d.greeted = true
		d.mu.Unlock()
		switch {
		case ack:
			d.send("ok")
		case greet:
			d.send(testGreeting)
		}
		return
	}
	d.received = append(d.received, line)
	autoAck := d.autoAck
	code, reject := d.rejects[line]
	gcState := d.gcState
	d.mu.Unlock()

	if line == "$G" {
		d.send(gcState)
		d.send("ok")
		return
	}
	if reject {
		d.send("error:" + strconv.Itoa(code))
		return
	}
	if autoAck {
		d.send("ok")
	}
}

func (d *fakeDevice) setStatus(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *fakeDevice) lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// hangUp simulates the cable being pulled.
func (d *fakeDevice) hangUp() {
	d.toHost.Close()
}
