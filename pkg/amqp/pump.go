package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	pollInterval = 100 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Pump drives c over conn from the calling goroutine until done reports true,
// the connection reaches a terminal state or ctx ends. Queued writes are
// flushed first, buffered frames are processed before the socket is read,
// and heartbeats are sent at half the negotiated interval.
func Pump(ctx context.Context, conn net.Conn, c *Connection, done func() bool) error {
	lastSend := time.Now()
	for {
		if c.PendingWrites() > 0 {
			if err := flush(conn, c); err != nil {
				return err
			}
			lastSend = time.Now()
		}
		if done() {
			return nil
		}
		if c.State().Terminal() {
			return terminalError(c)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if hb := time.Duration(c.Tuning().Heartbeat) * time.Second / 2; hb > 0 &&
			c.State() == StateConnected && time.Since(lastSend) >= hb {
			if err := c.SendHeartbeat(); err != nil {
				return err
			}
			continue
		}

		_, progressed, err := c.Advance()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		if _, err := c.Read(conn); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
	}
}

// Handshake sends the protocol header and pumps until the connection is
// open.
func Handshake(ctx context.Context, conn net.Conn, c *Connection) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := c.Connect(conn); err != nil {
		return err
	}
	return Pump(ctx, conn, c, func() bool { return c.State() == StateConnected })
}

// Shutdown closes the connection and pumps until the broker confirms.
func Shutdown(ctx context.Context, conn net.Conn, c *Connection) error {
	if err := c.Close(replySuccess, "bye"); err != nil {
		return err
	}
	err := Pump(ctx, conn, c, func() bool { return c.State() == StateClosed })
	if err != nil && c.State() == StateClosed {
		return nil
	}
	return err
}

func flush(conn net.Conn, c *Connection) error {
	for c.PendingWrites() > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write(conn); err != nil {
			return err
		}
	}
	return nil
}

func terminalError(c *Connection) error {
	if reason := c.CloseReason(); reason != nil {
		return reason
	}
	return fmt.Errorf("amqp: connection %s", c.State())
}
