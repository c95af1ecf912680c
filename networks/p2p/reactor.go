// Copyright 2019 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ground-x/nodep2p/log"
)

// netSocket wraps a raw, non-blocking file descriptor. golang.org/x/sys/unix
// is a direct dependency of the wider codebase's go.mod; here it backs the
// reactor's epoll loop directly instead of going through net.Conn's
// internal (and, for this design, unobservable) netpoller, since §4.7
// requires the reactor itself to own readiness polling.
type netSocket struct {
	fd         int
	remoteAddr net.Addr
}

func newNetSocket(fd int, remote net.Addr) (*netSocket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "setting non-blocking")
	}
	return &netSocket{fd: fd, remoteAddr: remote}, nil
}

func (s *netSocket) Read(b []byte) (int, error)  { return unix.Read(s.fd, b) }
func (s *netSocket) Write(b []byte) (int, error) { return unix.Write(s.fd, b) }
func (s *netSocket) Close() error                { return unix.Close(s.fd) }
func (s *netSocket) RemoteAddr() net.Addr        { return s.remoteAddr }
func (s *netSocket) Fd() int                     { return s.fd }

// ConnChangeKind tags a queued reactor command, applied between ticks
// (§4.7).
type ConnChangeKind int

const (
	ConnRemoveByToken ConnChangeKind = iota
	ConnExpel
	ConnPromote
	ConnWantWrite
)

// ConnChange is a mutation the reactor applies to its connection map
// outside of the hot poll path, so router/maintenance code never touches
// the maps directly from another goroutine. Promote assumes the named
// connection already had MarkPostHandshake called on it directly; it
// only needs the token to move the map entry.
type ConnChange struct {
	Kind  ConnChangeKind
	Token Token
}

// Reactor owns the accept socket and the token-indexed connection map,
// split into pre-handshake candidates and post-handshake established
// connections (§4.7, §5).
type Reactor struct {
	cfg    Config
	logger log.Logger

	epfd       int
	listenFd   int
	listenTok  Token
	nextToken  uint64

	candMu     sync.Mutex
	candidates map[Token]*Connection

	estMu      sync.RWMutex
	established map[Token]*Connection

	changes chan ConnChange

	router *Router

	workers int

	closing int32
	done    chan struct{}
}

// NewReactor creates a reactor bound to addr. Call Run to start the poll
// loop in the current goroutine (spawn as its own goroutine per §5's
// "dedicated reactor thread").
func NewReactor(cfg Config, addr *net.TCPAddr, router *Router) (*Reactor, error) {
	listenFd, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFd)
		return nil, errors.Wrap(err, "epoll_create1")
	}
	r := &Reactor{
		cfg:         cfg,
		logger:      log.NewModuleLogger(log.P2PReactor),
		epfd:        epfd,
		listenFd:    listenFd,
		listenTok:   0,
		nextToken:   1,
		candidates:  make(map[Token]*Connection),
		established: make(map[Token]*Connection),
		changes:     make(chan ConnChange, 256),
		router:      router,
		workers:     workerCount(),
		done:        make(chan struct{}),
	}
	if err := r.epollAdd(listenFd, unix.EPOLLIN); err != nil {
		return nil, err
	}
	return r, nil
}

func workerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

func listenTCP(addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa, nil
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) epollDel(fd int) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// lookupByFd maps an epoll-reported fd back to its owning Connection and
// token by scanning the candidate and established maps, since epoll
// events arrive keyed by fd, not Token.
func (r *Reactor) lookupByFd(fd int) (*Connection, Token, bool) {
	r.candMu.Lock()
	for tok, c := range r.candidates {
		if c.conn.Fd() == fd {
			r.candMu.Unlock()
			return c, tok, true
		}
	}
	r.candMu.Unlock()

	r.estMu.RLock()
	defer r.estMu.RUnlock()
	for tok, c := range r.established {
		if c.conn.Fd() == fd {
			return c, tok, true
		}
	}
	return nil, 0, false
}

// AddCandidate registers a freshly accepted or dialed connection before
// its handshake completes.
func (r *Reactor) AddCandidate(c *Connection) error {
	if err := r.epollAdd(c.conn.Fd(), unix.EPOLLIN|unix.EPOLLOUT); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	c.SetWantWriteNotifier(func(tok Token) {
		r.QueueChange(ConnChange{Kind: ConnWantWrite, Token: tok})
	})
	r.candMu.Lock()
	r.candidates[c.Token] = c
	r.candMu.Unlock()
	return nil
}

// connByToken looks up a connection by its reactor token across both the
// candidate and established maps.
func (r *Reactor) connByToken(tok Token) (*Connection, bool) {
	r.candMu.Lock()
	if c, ok := r.candidates[tok]; ok {
		r.candMu.Unlock()
		return c, true
	}
	r.candMu.Unlock()

	r.estMu.RLock()
	defer r.estMu.RUnlock()
	c, ok := r.established[tok]
	return c, ok
}

// QueueChange enqueues a mutation applied between reactor ticks (§4.7).
func (r *Reactor) QueueChange(ch ConnChange) {
	select {
	case r.changes <- ch:
	case <-r.done:
	}
}

// Run executes the poll loop until Close is called. It is meant to run
// on a dedicated goroutine (§5).
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, 128)
	for atomic.LoadInt32(&r.closing) == 0 {
		n, err := unix.EpollWait(r.epfd, events, int(r.cfg.PollTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Error("epoll_wait failed", "err", err)
			continue
		}

		r.dispatchReadiness(events[:n])
		r.applyQueuedChanges()
	}
	close(r.done)
}

func (r *Reactor) dispatchReadiness(events []unix.EpollEvent) {
	if len(events) == 0 {
		return
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.workers)
	for _, ev := range events {
		ev := ev
		if int(ev.Fd) == r.listenFd {
			r.acceptLoop()
			continue
		}
		c, tok, ok := r.lookupByFd(int(ev.Fd))
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.handleConnEvent(c, tok, ev.Events)
		}()
	}
	wg.Wait()
}

// handleConnEvent processes one connection's readiness; per-connection
// locking in Connection means distinct connections never contend, which
// is what makes this safe to run from the worker pool (§5). Once a drain
// empties both outbound FIFOs, EPOLLOUT is dropped so the poll loop isn't
// woken for a socket with nothing to write; Connection's want-write
// notifier (wired in AddCandidate) re-arms it the next time something is
// queued.
func (r *Reactor) handleConnEvent(c *Connection, tok Token, events uint32) {
	if events&(unix.EPOLLOUT) != 0 {
		if wb, err := c.SendPending(); err != nil {
			r.scheduleRemoval(tok, err)
			return
		} else if !wb {
			r.epollMod(c.conn.Fd(), unix.EPOLLIN)
		}
	}
	if events&(unix.EPOLLIN) != 0 {
		payloads, open, err := c.ReadFrames()
		for _, payload := range payloads {
			r.router.HandleFrame(c, tok, payload)
		}
		if err != nil {
			r.scheduleRemoval(tok, err)
			return
		}
		if !open {
			r.scheduleRemoval(tok, nil)
			return
		}
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.scheduleRemoval(tok, errors.New("socket error/hangup"))
	}
}

func (r *Reactor) scheduleRemoval(tok Token, cause error) {
	if cause != nil {
		r.logger.Debug("scheduling connection removal", "token", uint64(tok), "cause", cause)
	}
	r.QueueChange(ConnChange{Kind: ConnRemoveByToken, Token: tok})
}

func (r *Reactor) applyQueuedChanges() {
	for {
		select {
		case ch := <-r.changes:
			r.applyChange(ch)
		default:
			return
		}
	}
}

func (r *Reactor) applyChange(ch ConnChange) {
	switch ch.Kind {
	case ConnRemoveByToken:
		r.removeConnection(ch.Token)
	case ConnExpel:
		r.removeConnection(ch.Token)
	case ConnPromote:
		r.promote(ch.Token)
	case ConnWantWrite:
		if c, ok := r.connByToken(ch.Token); ok {
			r.epollMod(c.conn.Fd(), unix.EPOLLIN|unix.EPOLLOUT)
		}
	}
}

func (r *Reactor) removeConnection(tok Token) {
	r.candMu.Lock()
	if c, ok := r.candidates[tok]; ok {
		delete(r.candidates, tok)
		r.candMu.Unlock()
		r.closeAndNotify(c, tok)
		return
	}
	r.candMu.Unlock()

	r.estMu.Lock()
	c, ok := r.established[tok]
	if ok {
		delete(r.established, tok)
	}
	r.estMu.Unlock()
	if ok {
		r.closeAndNotify(c, tok)
	}
}

func (r *Reactor) closeAndNotify(c *Connection, tok Token) {
	r.epollDel(c.conn.Fd())
	c.Close()
	if r.router != nil {
		r.router.OnConnectionClosed(c, tok)
	}
}

// promote moves a connection from candidates to established once the
// router has validated its Handshake envelope (§4.3).
func (r *Reactor) promote(tok Token) {
	r.candMu.Lock()
	c, ok := r.candidates[tok]
	if ok {
		delete(r.candidates, tok)
	}
	r.candMu.Unlock()
	if !ok {
		return
	}
	r.estMu.Lock()
	r.established[tok] = c
	r.estMu.Unlock()
}

// Established returns a snapshot of post-handshake connections, keyed by
// token. Callers must not retain the map beyond the current operation.
func (r *Reactor) Established() map[Token]*Connection {
	r.estMu.RLock()
	defer r.estMu.RUnlock()
	out := make(map[Token]*Connection, len(r.established))
	for k, v := range r.established {
		out[k] = v
	}
	return out
}

func (r *Reactor) Candidates() map[Token]*Connection {
	r.candMu.Lock()
	defer r.candMu.Unlock()
	out := make(map[Token]*Connection, len(r.candidates))
	for k, v := range r.candidates {
		out[k] = v
	}
	return out
}

func (r *Reactor) NextToken() Token {
	return Token(atomic.AddUint64(&r.nextToken, 1))
}

// Dial opens an outbound candidate connection to addr as the given peer
// type. The caller (maintenance.go) is responsible for ban/self-dial
// checks before calling Dial (§7 kind 4).
func (r *Reactor) Dial(addr *net.TCPAddr, pt PeerType) (*Connection, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrap(err, "connect")
	}
	sock, err := newNetSocket(fd, addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	tok := r.NextToken()
	remote := NewRemotePeer(addr.IP, uint16(addr.Port), pt)
	c := NewConnection(tok, sock, remote, r.cfg.MaxFrameLength)
	if err := r.AddCandidate(c); err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

// acceptLoop drains every pending connection on the listen socket
// (§4.7: "read until would-block").
func (r *Reactor) acceptLoop() {
	for {
		fd, sa, err := unix.Accept(r.listenFd)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			r.logger.Error("accept failed", "err", err)
			return
		}
		addr := sockaddrToTCPAddr(sa)
		if r.router != nil && r.router.AcceptGuard(addr) != nil {
			unix.Close(fd)
			continue
		}
		sock, err := newNetSocket(fd, addr)
		if err != nil {
			unix.Close(fd)
			continue
		}
		tok := r.NextToken()
		remote := NewRemotePeer(addr.IP, 0, PeerTypeNode)
		c := NewConnection(tok, sock, remote, r.cfg.MaxFrameLength)
		if err := r.AddCandidate(c); err != nil {
			sock.Close()
			continue
		}
		if r.router != nil {
			r.router.OnAccepted(c, tok)
		}
	}
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}

// Close requests an orderly shutdown: outbound queues are drained
// best-effort for up to cfg.ShutdownTimeout, then sockets are force
// closed (§5, §6 "close()").
func (r *Reactor) Close() {
	if !atomic.CompareAndSwapInt32(&r.closing, 0, 1) {
		return
	}
	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	for _, c := range r.Established() {
		for time.Now().Before(deadline) {
			wb, err := c.SendPending()
			if err != nil || !wb {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	<-r.done
	for _, c := range r.Established() {
		c.Close()
	}
	for _, c := range r.Candidates() {
		c.Close()
	}
	unix.Close(r.listenFd)
	unix.Close(r.epfd)
}

// Join blocks until the reactor's Run loop has exited.
func (r *Reactor) Join() {
	<-r.done
}
