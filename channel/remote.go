package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nasa-jpl/quadshaker/comm"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Remote talks to a channel gateway over a connection pool.
//
// The gateway speaks a line protocol, every line terminated by a carriage
// return:
//
//	GET <name>          -> <value>
//	PUT <name> <value>  -> OK
//	any                 -> ERR <message>
//
// Transport failures are retried with exponential backoff on a fresh
// connection.  Gateway errors are not retried.
type Remote struct {
	pool    *comm.Pool
	limiter *rate.Limiter

	// Retries is the number of retries after a transport failure
	Retries uint64

	mu    sync.Mutex
	marks valueMarks
}

// NewRemote returns a Remote on pool.  Puts are limited to putRate per
// second; zero or less disables the limit.
func NewRemote(pool *comm.Pool, putRate float64) *Remote {
	lim := rate.NewLimiter(rate.Inf, 1)
	if putRate > 0 {
		lim = rate.NewLimiter(rate.Limit(putRate), 1)
	}
	return &Remote{pool: pool, limiter: lim, Retries: 3}
}

// Get satisfies Getter
func (r *Remote) Get(name string) (float64, error) {
	resp, err := r.do(fmt.Sprintf("GET %s", name))
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", name)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrProtocol, "get %s: %q", name, resp)
	}
	return f, nil
}

// Put satisfies Putter
func (r *Remote) Put(name string, value float64) error {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	cmd := fmt.Sprintf("PUT %s %s", name, strconv.FormatFloat(value, 'g', -1, 64))
	resp, err := r.do(cmd)
	if err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	if strings.TrimSpace(resp) != "OK" {
		return errors.Wrapf(ErrProtocol, "put %s: %q", name, resp)
	}
	return nil
}

// Mark satisfies Watcher
func (r *Remote) Mark(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks.mark(r, name)
}

// ChangedSinceMark satisfies Watcher
func (r *Remote) ChangedSinceMark(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks.changed(r, name)
}

// do sends one request and returns the response line
func (r *Remote) do(cmd string) (string, error) {
	var (
		resp     string
		gwErr    error
		attempts int
	)
	op := func() error {
		attempts++
		conn, err := r.pool.Get()
		if err != nil {
			return err
		}
		b, err := comm.SendRecv(conn, []byte(cmd))
		if err != nil {
			r.pool.Destroy(conn)
			return err
		}
		r.pool.Put(conn)
		s := string(b)
		if strings.HasPrefix(s, "ERR") {
			msg := strings.TrimSpace(strings.TrimPrefix(s, "ERR"))
			if strings.Contains(strings.ToLower(msg), "unknown") {
				gwErr = errors.Wrap(ErrUnknown, msg)
			} else {
				gwErr = errors.New(msg)
			}
			return nil
		}
		resp = s
		return nil
	}
	b := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock}, r.Retries)
	if err := backoff.Retry(op, b); err != nil {
		return "", errors.Wrapf(err, "after %d attempts", attempts)
	}
	return resp, gwErr
}
