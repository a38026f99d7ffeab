package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Peer is the address of a swarm member.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal parses a compact peer list from a tracker.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number, so the
// input has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		return nil, fmt.Errorf("received malformed binary of peers")
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}
	return peers, nil
}

// String formats the peer address as ip:port.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// FromAddr parses an ip:port string into a Peer.
func FromAddr(addr string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer IP %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Peer{}, fmt.Errorf("invalid peer port %q", portStr)
	}
	return Peer{IP: ip, Port: uint16(port)}, nil
}

// GenerateID returns a fresh 20-byte peer id.
func GenerateID() [20]byte {
	symbols := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	peerID := [20]byte{}
	copy(peerID[:], "-ML0001-")
	entropy := make([]byte, 12)
	if _, err := rand.Read(entropy); err != nil {
		panic(err)
	}
	for i, b := range entropy {
		peerID[8+i] = symbols[int(b)%len(symbols)]
	}
	return peerID
}
