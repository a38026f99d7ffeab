package pieces

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"marlin/metainfo"
	"marlin/wire"
)

// Writer receives verified piece bytes. Implemented by the storage
// adapter; the manager never hands out bytes that failed verification.
type Writer interface {
	WritePiece(index, begin int, data []byte) error
}

// Cancellation tells the orchestrator to withdraw a duplicate endgame
// request some other connection still has in flight.
type Cancellation struct {
	ConnID string
	Req    wire.Request
}

// Delivered is the outcome of feeding one block to the manager.
type Delivered struct {
	Accepted      bool // false: no matching outstanding request, state untouched
	PieceComplete bool // piece verified and written
	HashFailed    bool // piece discarded and re-queued
	Cancel        []Cancellation
}

// Manager serializes all block-claim decisions behind one lock.
// Connections only read availability and submit block results.
type Manager struct {
	mu sync.Mutex

	info      *metainfo.Info
	blockSize int
	writer    Writer
	log       zerolog.Logger

	pieces       []piece
	availability []int

	completed  int
	downloaded int64
	uploaded   int64

	done     chan struct{}
	doneOnce sync.Once
}

func NewManager(info *metainfo.Info, blockSize int, w Writer, log zerolog.Logger) *Manager {
	if blockSize <= 0 {
		blockSize = MaxBlockSize
	}
	m := &Manager{
		info:         info,
		blockSize:    blockSize,
		writer:       w,
		log:          log.With().Str("component", "pieces").Logger(),
		pieces:       make([]piece, info.NumPieces()),
		availability: make([]int, info.NumPieces()),
		done:         make(chan struct{}),
	}
	for i := range m.pieces {
		p := &m.pieces[i]
		p.size = info.PieceSize(i)
		p.hash = info.PieceHashes[i]
		p.received = mapset.NewSet[int]()
		p.claims = make(map[int]mapset.Set[string])
		p.suppliers = mapset.NewSet[string]()
		p.penalized = mapset.NewSet[string]()
	}
	return m
}

// AddBitfield folds a remote bitfield into the availability counters.
func (m *Manager) AddBitfield(bf wire.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) {
			m.availability[i]++
		}
	}
}

// DropBitfield reverses AddBitfield when a connection goes away.
func (m *Manager) DropBitfield(bf wire.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) && m.availability[i] > 0 {
			m.availability[i]--
		}
	}
}

// AddHave counts a single have announcement.
func (m *Manager) AddHave(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.availability) {
		m.availability[index]++
	}
}

// endgame holds once nothing is Missing: every remaining block may be
// requested redundantly to avoid stalling on a slow final peer.
func (m *Manager) endgame() bool {
	for i := range m.pieces {
		if m.pieces[i].status == Missing {
			return false
		}
	}
	return true
}

// Claim hands out up to n block requests for the given connection.
// Selection is rarest-first among pieces still Missing or InProgress,
// ties broken by ascending index. Pieces this connection has been
// penalized for sort last rather than being excluded, so the sole
// supplier of a piece can still retry it after a failed verification.
// Outside the endgame a block is assigned to exactly one outstanding
// request at a time.
func (m *Manager) Claim(connID string, has func(int) bool, n int) []wire.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		return nil
	}
	endgame := m.endgame()

	candidates := make([]int, 0, len(m.pieces))
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.status != Missing && p.status != InProgress {
			continue
		}
		if !has(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	sort.Slice(candidates, func(a, b int) bool {
		ia, ib := candidates[a], candidates[b]
		pa := m.pieces[ia].penalized.Contains(connID)
		pb := m.pieces[ib].penalized.Contains(connID)
		if pa != pb {
			return !pa
		}
		if m.availability[ia] != m.availability[ib] {
			return m.availability[ia] < m.availability[ib]
		}
		return ia < ib
	})

	var reqs []wire.Request
	for _, index := range candidates {
		if len(reqs) == n {
			break
		}
		p := &m.pieces[index]
		for begin := 0; begin < p.size && len(reqs) < n; begin += m.blockSize {
			if p.received.Contains(begin) {
				continue
			}
			claimants, claimed := p.claims[begin]
			if claimed && claimants.Contains(connID) {
				continue
			}
			if claimed && claimants.Cardinality() > 0 && !endgame {
				continue
			}
			if !claimed {
				claimants = mapset.NewSet[string]()
				p.claims[begin] = claimants
			}
			claimants.Add(connID)
			if p.status == Missing {
				p.status = InProgress
				p.buf = make([]byte, p.size)
			}
			reqs = append(reqs, wire.Request{
				Index:  index,
				Begin:  begin,
				Length: p.blockLength(begin, m.blockSize),
			})
		}
	}
	return reqs
}

// Deliver feeds a received block in. A block with no matching
// outstanding claim for this connection is rejected without altering
// any state. Completing the last block of a piece triggers hashing;
// a match forwards the bytes to the storage writer and a mismatch
// resets the piece and penalizes everyone who supplied it.
func (m *Manager) Deliver(connID string, index, begin int, data []byte) (Delivered, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return Delivered{}, nil
	}
	p := &m.pieces[index]

	claimants, ok := p.claims[begin]
	if !ok || !claimants.Contains(connID) {
		return Delivered{}, nil
	}
	if want := p.blockLength(begin, m.blockSize); len(data) != want {
		return Delivered{}, nil
	}

	out := Delivered{Accepted: true}

	// First hash-consistent completion wins; duplicate in-flight
	// requests for the block get cancelled.
	claimants.Remove(connID)
	for _, other := range claimants.ToSlice() {
		out.Cancel = append(out.Cancel, Cancellation{
			ConnID: other,
			Req:    wire.Request{Index: index, Begin: begin, Length: p.blockLength(begin, m.blockSize)},
		})
	}
	delete(p.claims, begin)

	copy(p.buf[begin:], data)
	p.received.Add(begin)
	p.suppliers.Add(connID)
	m.downloaded += int64(len(data))

	if p.received.Cardinality() < p.numBlocks(m.blockSize) {
		return out, nil
	}

	p.status = Verifying
	digest := sha1.Sum(p.buf)
	if !bytes.Equal(digest[:], p.hash[:]) {
		m.log.Warn().Int("piece", index).Msg("piece failed integrity check, re-queueing")
		for _, supplier := range p.suppliers.ToSlice() {
			p.penalized.Add(supplier)
		}
		m.downloaded -= int64(p.size)
		p.reset()
		out.HashFailed = true
		return out, fmt.Errorf("%w: piece %d", ErrVerification, index)
	}

	if err := m.writer.WritePiece(index, 0, p.buf); err != nil {
		// Verification already succeeded, so in-memory state is
		// intact; the caller decides whether the session can go on.
		return out, fmt.Errorf("writing piece %d: %w", index, err)
	}

	p.status = Complete
	p.buf = nil
	m.completed++
	m.log.Debug().Int("piece", index).Int("done", m.completed).Int("total", len(m.pieces)).Msg("piece complete")

	if m.completed == len(m.pieces) {
		m.doneOnce.Do(func() { close(m.done) })
	}
	out.PieceComplete = true
	return out, nil
}

// Release returns every claim the connection holds. Received blocks
// stay put: a piece lost mid-transfer resumes from another peer.
func (m *Manager) Release(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		p := &m.pieces[i]
		for begin, claimants := range p.claims {
			claimants.Remove(connID)
			if claimants.Cardinality() == 0 {
				delete(p.claims, begin)
			}
		}
		if p.status == InProgress && len(p.claims) == 0 && p.received.Cardinality() == 0 {
			p.status = Missing
			p.buf = nil
		}
	}
}

// NumPieces is the size of the piece table.
func (m *Manager) NumPieces() int { return len(m.pieces) }

// BytesCompleted is the byte count of verified pieces, the basis of the
// "left" figure reported to trackers.
func (m *Manager) BytesCompleted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.pieces {
		if m.pieces[i].status == Complete {
			n += int64(m.pieces[i].size)
		}
	}
	return n
}

// Status reports the lifecycle state of one piece.
func (m *Manager) Status(index int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieces[index].status
}

// Have reports whether a piece is verified and stored.
func (m *Manager) Have(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return index >= 0 && index < len(m.pieces) && m.pieces[index].status == Complete
}

// Bitfield snapshots the completed pieces in wire form.
func (m *Manager) Bitfield() wire.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf := wire.NewBitfield(len(m.pieces))
	for i := range m.pieces {
		if m.pieces[i].status == Complete {
			bf.Set(i)
		}
	}
	return bf
}

// Done reports whether every piece is Complete.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed == len(m.pieces)
}

// DoneChan is closed once the download completes.
func (m *Manager) DoneChan() <-chan struct{} { return m.done }

// AddUploaded accounts bytes served to peers.
func (m *Manager) AddUploaded(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded += n
}

// Progress returns aggregate counters: bytes down, bytes up, pieces
// complete, pieces total.
func (m *Manager) Progress() (int64, int64, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded, m.uploaded, m.completed, len(m.pieces)
}
