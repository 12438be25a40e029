package dist

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TCPConfig describes how a rank joins a TCP group.
type TCPConfig struct {
	InitMethod string // tcp://host:port; rank 0 listens there
	Rank       int
	Size       int
	// DialRetry is the pause between connection attempts while rank 0 is
	// not up yet.
	DialRetry time.Duration
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// TCPGroup is a rank of a group connected in a star: rank 0 hosts the hub,
// gathers every contribution and sends the full set back to each rank.
type TCPGroup struct {
	collectives
	cfg    TCPConfig
	logger *zap.Logger

	listener net.Listener
	peers    []*peer // rank 0: indexed by rank, nil at 0; others: one entry, the hub
	seq      uint64
	mu       sync.Mutex
}

// Address strips the tcp:// scheme from an init method.
func Address(initMethod string) (string, error) {
	if !strings.HasPrefix(initMethod, "tcp://") {
		return "", errors.Errorf("unsupported init method %q, want tcp://host:port", initMethod)
	}
	return strings.TrimPrefix(initMethod, "tcp://"), nil
}

// JoinTCP connects this rank to the group and returns once every rank has
// joined or ctx is done.
func JoinTCP(ctx context.Context, cfg TCPConfig, logger *zap.Logger) (*TCPGroup, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, errors.Errorf("rank %d out of range for group of %d", cfg.Rank, cfg.Size)
	}
	addr, err := Address(cfg.InitMethod)
	if err != nil {
		return nil, err
	}
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = 200 * time.Millisecond
	}

	g := &TCPGroup{cfg: cfg, logger: logger}
	g.collectives = collectives{exchange: g.exchange}

	if cfg.Rank == 0 {
		err = g.host(ctx, addr)
	} else {
		err = g.join(ctx, addr)
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *TCPGroup) host(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	g.listener = ln
	g.peers = make([]*peer, g.cfg.Size)

	stop := closeOnDone(ctx, ln.Close)
	defer stop()

	for joined := 1; joined < g.cfg.Size; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept rank")
		}
		p := newPeer(conn)
		hello, err := readFrame(p.r)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "read hello")
		}
		if hello.Rank <= 0 || hello.Rank >= g.cfg.Size || g.peers[hello.Rank] != nil {
			conn.Close()
			return errors.Errorf("unexpected hello from rank %d", hello.Rank)
		}
		g.peers[hello.Rank] = p
		g.logger.Debug("rank joined", zap.Int("peer", hello.Rank), zap.Stringer("remote", conn.RemoteAddr()))
	}
	g.logger.Info("process group ready", zap.Int("size", g.cfg.Size), zap.String("addr", ln.Addr().String()))
	return nil
}

func (g *TCPGroup) join(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := newPeer(conn)
			g.peers = []*peer{p}
			return writeFrame(p.w, &frame{Op: "hello", Rank: g.cfg.Rank})
		}
		g.logger.Debug("hub not reachable yet", zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "dial %s", addr)
		case <-time.After(g.cfg.DialRetry):
		}
	}
}

// Addr returns the hub address on rank 0.
func (g *TCPGroup) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *TCPGroup) Rank() int { return g.cfg.Rank }

func (g *TCPGroup) Size() int { return g.cfg.Size }

func (g *TCPGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var first error
	for _, p := range g.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.peers = nil
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && first == nil {
			first = err
		}
		g.listener = nil
	}
	return first
}

func (g *TCPGroup) exchange(ctx context.Context, op string, data []float64) ([][]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peers == nil && g.cfg.Size > 1 {
		return nil, errors.New("group closed")
	}

	seq := g.seq
	g.seq++
	req := &frame{Seq: seq, Op: op, Rank: g.cfg.Rank, Values: data}

	stop := closeOnDone(ctx, g.interrupt)
	defer stop()

	var (
		all [][]float64
		err error
	)
	if g.cfg.Rank == 0 {
		all, err = g.gather(req)
	} else {
		all, err = g.roundTrip(req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s %d", op, seq)
		}
		return nil, errors.Wrapf(err, "%s %d", op, seq)
	}
	return all, nil
}

// roundTrip sends one contribution to the hub and waits for the reply.
func (g *TCPGroup) roundTrip(req *frame) ([][]float64, error) {
	hub := g.peers[0]
	if err := writeFrame(hub.w, req); err != nil {
		return nil, errors.Wrap(err, "send to hub")
	}
	reply, err := readFrame(hub.r)
	if err != nil {
		return nil, errors.Wrap(err, "receive from hub")
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.Seq != req.Seq || reply.Op != req.Op {
		return nil, mismatch(req.Seq, reply.Op, req.Op)
	}
	return reply.split()
}

// gather collects every rank's contribution on the hub and broadcasts the
// full set back.
func (g *TCPGroup) gather(req *frame) ([][]float64, error) {
	all := make([][]float64, g.cfg.Size)
	all[0] = req.Values

	var eg errgroup.Group
	for rank := 1; rank < g.cfg.Size; rank++ {
		rank := rank
		eg.Go(func() error {
			f, err := readFrame(g.peers[rank].r)
			if err != nil {
				return errors.Wrapf(err, "receive from rank %d", rank)
			}
			if f.Seq != req.Seq || f.Op != req.Op {
				return mismatch(req.Seq, req.Op, f.Op)
			}
			all[rank] = f.Values
			return nil
		})
	}
	gatherErr := eg.Wait()

	reply := &frame{Seq: req.Seq, Op: req.Op}
	if gatherErr != nil {
		reply.Error = gatherErr.Error()
	} else {
		reply.Counts = make([]int, len(all))
		for i, v := range all {
			reply.Counts[i] = len(v)
			reply.Values = append(reply.Values, v...)
		}
	}

	// Tell every rank, including on failure, so nobody hangs.
	var bg errgroup.Group
	for rank := 1; rank < g.cfg.Size; rank++ {
		p := g.peers[rank]
		bg.Go(func() error {
			return writeFrame(p.w, reply)
		})
	}
	sendErr := bg.Wait()

	if gatherErr != nil {
		return nil, gatherErr
	}
	if sendErr != nil {
		return nil, errors.Wrap(sendErr, "broadcast reply")
	}
	return all, nil
}

// interrupt unblocks in-flight reads and writes.
func (g *TCPGroup) interrupt() error {
	past := time.Unix(1, 0)
	for _, p := range g.peers {
		if p != nil {
			p.conn.SetDeadline(past)
		}
	}
	return nil
}

// closeOnDone runs fn when ctx is done before stop is called.
func closeOnDone(ctx context.Context, fn func() error) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			fn()
		case <-done:
		}
	}()
	return func() { close(done) }
}
