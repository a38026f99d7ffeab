// Package pieces owns the global download state: which pieces are
// needed, in progress or complete, which blocks are claimed by which
// connection, and whether assembled pieces hash to their expected
// digest. It is the single arbiter of block claims.
package pieces

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
)

// MaxBlockSize is the customary request granularity: data is requested
// in 16 KiB blocks, not whole pieces.
const MaxBlockSize = 16 * 1024

// Status is the lifecycle of one piece.
type Status int

const (
	Missing Status = iota
	InProgress
	Verifying
	Complete
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case InProgress:
		return "in-progress"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// ErrVerification marks a piece whose assembled bytes did not hash to
// the expected digest. Recoverable: the piece is re-queued.
var ErrVerification = errors.New("piece failed hash verification")

// piece is the per-index state. Bytes never leave the manager before
// verification succeeds.
type piece struct {
	status    Status
	size      int
	hash      [20]byte
	buf       []byte
	received  mapset.Set[int]            // block begins received
	claims    map[int]mapset.Set[string] // block begin -> conn ids with an outstanding request
	suppliers mapset.Set[string]         // conn ids that fed the current attempt
	penalized mapset.Set[string]         // conn ids deprioritized for this piece
}

func (p *piece) numBlocks(blockSize int) int {
	return (p.size + blockSize - 1) / blockSize
}

func (p *piece) blockLength(begin, blockSize int) int {
	if p.size-begin < blockSize {
		return p.size - begin
	}
	return blockSize
}

// reset discards everything received for the piece and re-queues it.
func (p *piece) reset() {
	p.status = Missing
	p.buf = nil
	p.received = mapset.NewSet[int]()
	p.claims = make(map[int]mapset.Set[string])
	p.suppliers = mapset.NewSet[string]()
}
