package netdicom

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Dispatcher listens on a TCP port and runs a ServiceProvider on every
// accepted connection, each on its own goroutine.
type Dispatcher struct {
	sp        *ServiceProvider
	listener  *net.TCPListener
	tlsConfig *tls.Config
	poll      time.Duration

	closing atomic.Bool
	done    chan struct{} // closed when Run returns
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{} // accepted and not yet finished
}

// NewDispatcher creates a ServiceProvider from params and binds
// params.ListenAddr. Call Run to start accepting.
func NewDispatcher(params ServiceProviderParams) (*Dispatcher, error) {
	sp, err := NewServiceProvider(params)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveTCPAddr("tcp", params.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen address %q", params.ListenAddr)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", params.ListenAddr)
	}
	return &Dispatcher{
		sp:        sp,
		listener:  listener,
		tlsConfig: params.TLSConfig,
		poll:      sp.params.AcceptPollPeriod,
		done:      make(chan struct{}),
		conns:     map[net.Conn]struct{}{},
	}, nil
}

// ListenAddr returns the address the dispatcher is bound to. Useful when
// ListenAddr was ":0".
func (d *Dispatcher) ListenAddr() net.Addr {
	return d.listener.Addr()
}

// Run accepts connections until Close is called. Associations still running
// at that point have their connections closed, and Run waits for their
// goroutines to finish. Failures of individual connections never stop the
// loop.
func (d *Dispatcher) Run() error {
	defer close(d.done)
	defer d.wg.Wait()
	defer d.closeConns()
	defer d.listener.Close()
	vlog.Infof("listening on %v", d.listener.Addr())
	var backoff time.Duration
	for !d.closing.Load() {
		if err := d.listener.SetDeadline(time.Now().Add(d.poll)); err != nil {
			return errors.Wrap(err, "set accept deadline")
		}
		conn, err := d.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = 0
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff = acceptBackoff(backoff)
			vlog.Errorf("accept: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		d.track(conn)
		d.wg.Add(1)
		go func(conn net.Conn) {
			defer d.wg.Done()
			defer d.untrack(conn)
			if d.tlsConfig != nil {
				conn = tls.Server(conn, d.tlsConfig)
			}
			d.sp.RunProviderForConn(conn)
		}(conn)
	}
	vlog.Infof("stopped listening on %v", d.listener.Addr())
	return nil
}

const maxAcceptBackoff = time.Second

// acceptBackoff doubles the previous delay, starting at 5ms.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if prev *= 2; prev > maxAcceptBackoff {
		prev = maxAcceptBackoff
	}
	return prev
}

func (d *Dispatcher) track(conn net.Conn) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
}

// closeConns drops the connections of associations that are still running.
// Their state machines see the transport close and end.
func (d *Dispatcher) closeConns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.conns {
		vlog.Infof("closing %v on shutdown", conn.RemoteAddr())
		if err := conn.Close(); err != nil {
			vlog.VI(1).Infof("close %v: %v", conn.RemoteAddr(), err)
		}
	}
}

// Close stops the accept loop, closes the connections of running
// associations and waits until Run returns. It takes up to one accept poll
// period. Run must have been called.
func (d *Dispatcher) Close() {
	d.closing.Store(true)
	<-d.done
}
