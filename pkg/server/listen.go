package server

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// ListenTunnel accepts client tunnel connections on addr and runs Handshake
// on each, mirroring the teacher's accept-log-continue loop shape: a single
// bad connection never brings the listener down.
func ListenTunnel(addr string, hs *Handshake, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("failed to listen for tunnel connections", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}
	if logger != nil {
		logger.Info("listening for tunnel connections", zap.String("addr", addr))
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if logger != nil {
				logger.Error("failed to accept tunnel connection", zap.Error(err))
			}
			time.Sleep(time.Second)
			continue
		}
		go func() {
			if err := hs.Accept(conn); err != nil {
				conn.Close()
			}
		}()
	}
}

// ListenSNI accepts outside TLS connections on addr and routes each through
// d, one goroutine per connection.
func ListenSNI(addr string, d *Dispatcher, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("failed to listen for outside connections", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}
	if logger != nil {
		logger.Info("listening for outside connections", zap.String("addr", addr))
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if logger != nil {
				logger.Error("failed to accept outside connection", zap.Error(err))
			}
			time.Sleep(time.Second)
			continue
		}
		go d.Handle(conn)
	}
}
