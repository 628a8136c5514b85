package redisconn

import (
	"log"

	"go.uber.org/zap"
)

// LogKind is a connection lifecycle event passed to Logger.
type LogKind int

const (
	LogConnecting LogKind = iota
	LogConnected
	LogConnectFailed
	LogDisconnected
	LogClosed
	LogEventDropped
	LogMAX
)

// Logger receives connection lifecycle events.
type Logger interface {
	Report(event LogKind, conn *Connection, v ...interface{})
}

type defaultLogger struct{}

func (d defaultLogger) Report(event LogKind, conn *Connection, v ...interface{}) {
	switch event {
	case LogConnecting:
		log.Printf("redmux: connecting to %s", conn.Addr())
	case LogConnected:
		localAddr := v[0].(string)
		remoteAddr := v[1].(string)
		log.Printf("redmux: connected to %s (local addr: %s, remote addr: %s)",
			conn.Addr(), localAddr, remoteAddr)
	case LogConnectFailed:
		err := v[0].(error)
		log.Printf("redmux: connection to %s failed: %s", conn.Addr(), err.Error())
	case LogDisconnected:
		err := v[0].(error)
		log.Printf("redmux: connection to %s broken: %s", conn.Addr(), err.Error())
	case LogClosed:
		log.Printf("redmux: connection to %s explicitly closed", conn.Addr())
	case LogEventDropped:
		err := v[0].(error)
		log.Printf("redmux: connection to %s dropped event: %s", conn.Addr(), err.Error())
	default:
		args := []interface{}{"redmux: unexpected event:", event, conn}
		args = append(args, v...)
		log.Print(args...)
	}
}

// ZapLogger reports connection events through a zap logger.
type ZapLogger struct {
	L *zap.Logger
}

// Report implements Logger.
func (z ZapLogger) Report(event LogKind, conn *Connection, v ...interface{}) {
	addr := zap.String("addr", conn.Addr())
	switch event {
	case LogConnecting:
		z.L.Info("connecting", addr)
	case LogConnected:
		z.L.Info("connected", addr,
			zap.String("localAddr", v[0].(string)),
			zap.String("remoteAddr", v[1].(string)))
	case LogConnectFailed:
		z.L.Warn("connect failed", addr, zap.Error(v[0].(error)))
	case LogDisconnected:
		z.L.Warn("connection broken", addr, zap.Error(v[0].(error)))
	case LogClosed:
		z.L.Info("connection closed", addr)
	case LogEventDropped:
		z.L.Warn("event dropped", addr, zap.Error(v[0].(error)))
	default:
		z.L.Warn("unexpected connection event", addr, zap.Int("event", int(event)))
	}
}
