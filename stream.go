package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
)

const streamWriteTimeout = 5 * time.Second

// StreamServer accepts WebTransport sessions and serves each session's first
// bidirectional stream as an envelope transport against the router. Frames on
// the stream are a big-endian length word followed by the tagged body.
type StreamServer struct {
	rt    *router.Router
	codec *protocol.Codec
	wt    *webtransport.Server
}

func NewStreamServer(rt *router.Router, codec *protocol.Codec) *StreamServer {
	return &StreamServer{rt: rt, codec: codec}
}

// Run starts the HTTP/3 listener and blocks until ctx is canceled or the
// listener fails.
func (s *StreamServer) Run(ctx context.Context, addr string, tlsConf *tls.Config) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.serveSession(ctx, sess)
	})

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	slog.Info("webtransport listening", "addr", addr)
	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveSession waits for the client to open its chat stream, then hands the
// connection to the router. It returns when the session is done.
func (s *StreamServer) serveSession(ctx context.Context, sess *webtransport.Session) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport session ended before a stream opened", "err", err)
		_ = sess.CloseWithError(0, "no stream")
		return
	}

	ip, port := splitRemote(sess.RemoteAddr())
	t := &streamTransport{sess: sess, stream: stream, codec: s.codec}
	s.rt.ServeConn(ctx, t, ip, port)
}

func splitRemote(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// streamTransport adapts one WebTransport stream to the router's Transport.
type streamTransport struct {
	sess   *webtransport.Session
	stream *webtransport.Stream
	codec  *protocol.Codec

	closeOnce sync.Once
}

func (t *streamTransport) ReadEnvelope() (*protocol.Envelope, error) {
	var hdr [protocol.FrameHeaderSize]byte
	if _, err := io.ReadFull(t.stream, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	// Oversize frames are rejected before the body is read; there is no way
	// to resynchronize after skipping one, so the connection ends here.
	if n > uint32(protocol.MaxPayloadSize+protocol.TagSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes", protocol.ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(t.stream, body); err != nil {
		return nil, err
	}
	env, err := t.codec.DecodeBody(body)
	if err != nil {
		// The frame arrived whole, so the stream is still aligned.
		return nil, &router.FrameError{Err: err}
	}
	return env, nil
}

func (t *streamTransport) WriteEnvelope(env *protocol.Envelope) error {
	_ = t.stream.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return t.codec.WriteFrame(t.stream, env)
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stream.Close()
		_ = t.sess.CloseWithError(0, "closed")
	})
	return nil
}
