package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"marlin/peer"
)

// Announce performs a single announce against one tracker URL. The
// transport is picked from the URL scheme. Errors come back as *Error
// so callers can log and move on to the next tracker.
func (c *Client) Announce(ctx context.Context, trackerURL string, req Announce) (*Result, error) {
	base, err := url.Parse(trackerURL)
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}

	switch base.Scheme {
	case "http", "https":
		return c.announceHTTP(ctx, base, req)
	case "udp":
		return c.announceUDP(ctx, trackerURL, base.Host, req)
	default:
		return nil, &Error{Tracker: trackerURL, Err: fmt.Errorf("bad or unsupported url scheme %q", base.Scheme)}
	}
}

func (c *Client) announceHTTP(ctx context.Context, base *url.URL, req Announce) (*Result, error) {
	trackerURL := base.String()

	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if event := req.Event.httpValue(); event != "" {
		params.Set("event", event)
	}
	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(req.NumWant))
	}
	base.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}

	conn := &http.Client{Timeout: c.HTTPTimeout}
	response, err := conn.Do(httpReq)
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &Error{Tracker: trackerURL, Err: fmt.Errorf("tracker returned status %d", response.StatusCode)}
	}

	decoded, err := bencode.Decode(response.Body)
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}

	body, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &Error{Tracker: trackerURL, Err: fmt.Errorf("tracker response is not a dictionary")}
	}

	// A failure reason means the tracker understood us and said no;
	// no retry against it in the current round.
	if reason, ok := body["failure reason"].(string); ok {
		return nil, &Error{Tracker: trackerURL, Reason: reason}
	}

	interval := time.Duration(0)
	if secs, ok := body["interval"].(int64); ok {
		interval = time.Duration(secs) * time.Second
	}

	peers, err := parseHTTPPeers(body["peers"])
	if err != nil {
		return nil, &Error{Tracker: trackerURL, Err: err}
	}

	return &Result{Tracker: trackerURL, Interval: interval, Peers: peers}, nil
}

// parseHTTPPeers accepts both the compact string form and the
// dictionary-list form of the peers key.
func parseHTTPPeers(value interface{}) ([]peer.Peer, error) {
	switch v := value.(type) {
	case string:
		return peer.Unmarshal([]byte(v))
	case []interface{}:
		peers := make([]peer.Peer, 0, len(v))
		for _, entry := range v {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary")
			}
			ip, _ := dict["ip"].(string)
			port, ok := dict["port"].(int64)
			if !ok || ip == "" {
				return nil, fmt.Errorf("peer entry is missing ip or port")
			}
			p, err := peer.FromAddr(net.JoinHostPort(ip, strconv.FormatInt(port, 10)))
			if err != nil {
				return nil, err
			}
			peers = append(peers, p)
		}
		return peers, nil
	case nil:
		return nil, fmt.Errorf("tracker response has no peers key")
	default:
		return nil, fmt.Errorf("unsupported peers encoding %T", value)
	}
}
