/*Package comm provides the byte transport to the channel gateways that front
the magnet power supplies and beam position monitors.

A gateway is reached over TCP, or over RS-232 when IsSerial is set.  Messages
are ASCII and terminated by a carriage return in both directions.  Connections
are usually not used directly; a RemoteDevice hands out fresh connections to a
Pool through Maker, and consumers lease them from the pool:

	rd := comm.NewRemoteDevice("192.168.100.20:2001", false)
	pool := comm.NewPool(2, time.Minute, rd.Maker())
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	resp, err := comm.SendRecv(conn, []byte("GET L:QH01:B"))
	if err != nil {
		pool.Destroy(conn)
		return err
	}
	pool.Put(conn)
*/
package comm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

const terminator = byte('\r')

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// RemoteDevice has an address and can open a connection to it
type RemoteDevice struct {
	// Addr is host:port for TCP or the port name (/dev/ttyS4, COM3) for serial
	Addr string

	// IsSerial selects RS-232 instead of TCP
	IsSerial bool

	// Baud is the serial baud rate, default 9600
	Baud int

	// Timeout bounds connect and every read and write, default 3s
	Timeout time.Duration

	// Conn is the open connection, nil when closed
	Conn io.ReadWriteCloser
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, serial bool) *RemoteDevice {
	return &RemoteDevice{Addr: addr, IsSerial: serial}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return 3 * time.Second
	}
	return rd.Timeout
}

// SerialConf yields a serial config object for use with serial.OpenPort
func (rd *RemoteDevice) SerialConf() *serial.Config {
	baud := rd.Baud
	if baud == 0 {
		baud = 9600
	}
	return &serial.Config{Name: rd.Addr, Baud: baud, ReadTimeout: rd.timeout()}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	// exponential backoff; the terminal servers in front of the
	// gateways drop connections that are opened in quick succession
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return errors.Wrapf(err, "open %s", rd.Addr)
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		conn, err = serial.OpenPort(rd.SerialConf())
	} else {
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// Send writes data to the remote
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	return Send(rd.Conn, b)
}

// Recv recieves data from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	return Recv(rd.Conn)
}

// SendRecv sends a buffer then returns the response with the terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	return SendRecv(rd.Conn, b)
}

// Maker returns a CreationFunc that opens a new connection to the device on
// every call, for use with NewPool
func (rd *RemoteDevice) Maker() CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		fresh := *rd
		fresh.Conn = nil
		if err := fresh.Open(); err != nil {
			return nil, err
		}
		return fresh.Conn, nil
	}
}

// Send appends the terminator to b and writes it to w
func Send(w io.Writer, b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, terminator)
	_, err := w.Write(buf)
	return err
}

// Recv reads from r through the terminator and strips it
func Recv(r io.Reader) ([]byte, error) {
	buf, err := bufio.NewReader(r).ReadBytes(terminator)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{terminator}), nil
}

// SendRecv sends b then waits for one terminated response
func SendRecv(rw io.ReadWriter, b []byte) ([]byte, error) {
	if err := Send(rw, b); err != nil {
		return nil, err
	}
	return Recv(rw)
}

// deadlineConn refreshes the deadline before every read and write, so that
// a pooled connection does not expire while idle
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c deadlineConn) Write(p []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

// TCPSetup opens a new TCP connection with a timeout on connect and on each
// read and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return deadlineConn{Conn: conn, timeout: timeout}, nil
}
