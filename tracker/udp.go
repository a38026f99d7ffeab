package tracker

import (
	"context"
	"fmt"
	"net"
	"time"

	"marlin/peer"
)

// announceUDP runs the connect/announce exchange with exponential
// backoff between attempts. The whole exchange is retried per attempt:
// a mismatched transaction id discards the datagram and burns the
// attempt, it is never treated as success.
func (c *Client) announceUDP(ctx context.Context, trackerURL, host string, req Announce) (*Result, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.UDPRetries; attempt++ {
		if attempt > 0 {
			backoff := c.UDPBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, &Error{Tracker: trackerURL, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		res, err := c.announceUDPOnce(ctx, raddr, req)
		if err == nil {
			res.Tracker = trackerURL
			return res, nil
		}
		lastErr = err
		c.Log.Debug().Str("tracker", trackerURL).Int("attempt", attempt+1).Err(err).Msg("udp announce attempt failed")

		if ctx.Err() != nil {
			return nil, &Error{Tracker: trackerURL, Err: ctx.Err()}
		}
	}
	return nil, &Error{Tracker: trackerURL, Err: fmt.Errorf("all %d attempts failed: %w", c.UDPRetries+1, lastErr)}
}

func (c *Client) announceUDPOnce(ctx context.Context, raddr *net.UDPAddr, req Announce) (*Result, error) {
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.UDPTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	connectTID := randomTransactionID()
	if _, err := conn.Write(serializeConnect(connectTID)); err != nil {
		return nil, err
	}

	connectBuf := make([]byte, connectResponseLen)
	n, err := conn.Read(connectBuf)
	if err != nil {
		return nil, err
	}
	connectRes, err := parseConnect(connectBuf[:n])
	if err != nil {
		return nil, err
	}
	if connectRes.TransactionID != connectTID {
		return nil, fmt.Errorf("expected TID %d received %d", connectTID, connectRes.TransactionID)
	}
	if connectRes.Action != actionConnect {
		return nil, fmt.Errorf("expected action %d (connect) received %d", actionConnect, connectRes.Action)
	}

	announceTID := randomTransactionID()
	if _, err := conn.Write(serializeAnnounce(req, connectRes.ConnectionID, announceTID)); err != nil {
		return nil, err
	}

	announceBuf := make([]byte, 2048)
	n, err = conn.Read(announceBuf)
	if err != nil {
		return nil, err
	}
	announceRes, err := parseAnnounce(announceBuf[:n])
	if err != nil {
		return nil, err
	}
	if announceRes.TransactionID != announceTID {
		return nil, fmt.Errorf("expected TID %d received %d", announceTID, announceRes.TransactionID)
	}
	if announceRes.Action != actionAnnounce {
		return nil, fmt.Errorf("expected action %d (announce) received %d", actionAnnounce, announceRes.Action)
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, err
	}

	return &Result{
		Interval: time.Duration(announceRes.Interval) * time.Second,
		Peers:    peers,
	}, nil
}
