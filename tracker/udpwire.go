package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
)

// Fixed binary layouts of the UDP tracker extension (BEP 15). Every
// exchange carries a 32-bit transaction id the response must echo.
const (
	actionConnect  = 0
	actionAnnounce = 1

	connectRequestLen   = 16
	connectResponseLen  = 16
	announceRequestLen  = 98
	announceResponseLen = 20

	// protocolMagic is the fixed connection id of a connect request.
	protocolMagic = 0x41727101980
)

func randomTransactionID() uint32 {
	return rand.Uint32()
}

type connectResponse struct {
	Action        uint32
	TransactionID uint32
	ConnectionID  uint64
}

func serializeConnect(transactionID uint32) []byte {
	buf := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

func parseConnect(buf []byte) (connectResponse, error) {
	if len(buf) < connectResponseLen {
		return connectResponse{}, fmt.Errorf("connect response too short: %d < %d", len(buf), connectResponseLen)
	}
	return connectResponse{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

type announceResponse struct {
	Action        uint32
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []byte
}

func serializeAnnounce(req Announce, connectionID uint64, transactionID uint32) []byte {
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}

	buf := make([]byte, announceRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], req.Event.udpValue())
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP, 0 = use sender address
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

func parseAnnounce(buf []byte) (announceResponse, error) {
	if len(buf) < announceResponseLen {
		return announceResponse{}, fmt.Errorf("announce response too short: %d < %d", len(buf), announceResponseLen)
	}
	res := announceResponse{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
	}
	res.Peers = buf[announceResponseLen:]
	return res, nil
}
