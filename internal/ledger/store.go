package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// Store is the in-memory position arena. Records are append-only and live
// forever; ids are dense and start at 1, so id n lives at positions[n-1].
// Closing a position frees its composite key but keeps the record. Store does
// no locking of its own; the owning Ledger serializes all access.
type Store struct {
	positions []*domain.Position
	index     map[domain.PositionKey]uint64
	active    uint64
}

// NewStore creates an empty arena.
func NewStore() *Store {
	return &Store{index: make(map[domain.PositionKey]uint64)}
}

func (s *Store) total() uint64 {
	return uint64(len(s.positions))
}

func (s *Store) activeCount() uint64 {
	return s.active
}

// get returns the record for id, open or closed, or nil when out of range.
func (s *Store) get(id uint64) *domain.Position {
	if id == 0 || id > s.total() {
		return nil
	}
	return s.positions[id-1]
}

// openByKey returns the open position holding the key, or nil.
func (s *Store) openByKey(key domain.PositionKey) *domain.Position {
	id, ok := s.index[key]
	if !ok {
		return nil
	}
	return s.positions[id-1]
}

// insert appends an open position. The caller must have set p.ID to total+1
// and verified the key is free.
func (s *Store) insert(p *domain.Position) {
	s.positions = append(s.positions, p)
	s.index[p.Key()] = p.ID
	s.active++
}

// release frees the key of a position that just closed.
func (s *Store) release(key domain.PositionKey) {
	if _, ok := s.index[key]; !ok {
		return
	}
	delete(s.index, key)
	s.active--
}

// openByOwner returns the owner's open positions in creation order.
func (s *Store) openByOwner(owner common.Address) []*domain.Position {
	var out []*domain.Position
	for _, p := range s.positions {
		if p.Open() && p.Owner == owner {
			out = append(out, p)
		}
	}
	return out
}

// openByOwnerToken narrows openByOwner to positions funded from token.
func (s *Store) openByOwnerToken(owner, token common.Address) []*domain.Position {
	var out []*domain.Position
	for _, p := range s.positions {
		if p.Open() && p.Owner == owner && p.SrcToken == token {
			out = append(out, p)
		}
	}
	return out
}
