package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/guseggert/mcpbridge/rpc"
	"go.uber.org/zap"
)

// Handler answers one request. Returning a *rpc.RemoteError controls the error code sent back,
// and returning ErrNoReply suppresses the response altogether.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

var ErrNoReply = errors.New("no reply")

// Server is the child side of the bridge protocol: it reads requests from a
// line-delimited stream and writes one response per request. Requests are
// handled concurrently, so responses may be written out of order.
type Server struct {
	Handler Handler
	Log     *zap.SugaredLogger

	writeMu sync.Mutex
}

// Serve runs until in returns EOF, then waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	dec := rpc.Decoder{
		OnMalformed: func(line []byte, err error) {
			log.Debugf("ignoring malformed input: %s", err)
		},
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := in.Read(buf)
		for _, m := range dec.Feed(buf[:n]) {
			if m.Method == "" || m.ID == "" {
				log.Debugw("ignoring message without method or id", "ID", m.ID, "Method", m.Method)
				continue
			}
			m := m
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.respond(ctx, log, &m, out)
			}()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Server) respond(ctx context.Context, log *zap.SugaredLogger, req *rpc.Message, out io.Writer) {
	var resp *rpc.Message
	res, err := s.Handler(ctx, req.Method, req.Params)
	if errors.Is(err, ErrNoReply) {
		return
	}
	if err == nil {
		resp, err = req.Response(res)
	}
	if err != nil {
		var remoteErr *rpc.RemoteError
		if errors.As(err, &remoteErr) {
			resp = req.ErrorResponse(remoteErr.Code, remoteErr.Message)
		} else {
			resp = req.ErrorResponse(CodeInternal, err.Error())
		}
	}

	b, err := rpc.EncodeMessage(resp)
	if err != nil {
		log.Debugf("error encoding response: %s", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := out.Write(b); err != nil {
		log.Debugf("error writing response: %s", err)
	}
}
