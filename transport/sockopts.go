package transport

import (
	"net"

	"github.com/sirupsen/logrus"
)

// bufferSizer is implemented by *net.TCPConn and *net.UDPConn.
type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// applyBufferSizes sets the configured OS socket buffers. Zero keeps the
// OS default.
func applyBufferSizes(conn any, send, receive int) {
	bs, ok := conn.(bufferSizer)
	if !ok {
		return
	}
	if send > 0 {
		if err := bs.SetWriteBuffer(send); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyBufferSizes",
				"size":     send,
				"error":    err.Error(),
			}).Warn("Failed to set send buffer size")
		}
	}
	if receive > 0 {
		if err := bs.SetReadBuffer(receive); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyBufferSizes",
				"size":     receive,
				"error":    err.Error(),
			}).Warn("Failed to set receive buffer size")
		}
	}
}

// applyStreamOptions prepares a freshly opened TCP connection.
func applyStreamOptions(conn net.Conn, send, receive int) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	applyBufferSizes(conn, send, receive)
}
