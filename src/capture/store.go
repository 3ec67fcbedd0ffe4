package capture

import "sync"

// exchangeStore is a fixed-capacity ring of exchanges. IDs are assigned from
// seq and stay contiguous inside one epoch, so lookups are an offset from the
// oldest live id. Clear bumps the epoch and restarts ids at 1.
type exchangeStore struct {
	sync.RWMutex
	buf   []*Exchange
	next  int
	count int
	seq   int64
	epoch uint64
}

func newExchangeStore(capacity int) *exchangeStore {
	if capacity < 1 {
		capacity = 1
	}
	return &exchangeStore{
		buf: make([]*Exchange, capacity),
		seq: 1,
	}
}

// add assigns the next id and appends e, overwriting the oldest record when
// full. The overwritten record is returned so its spill files can be removed.
func (s *exchangeStore) add(e *Exchange) (id int64, epoch uint64, evicted *Exchange) {
	s.Lock()
	defer s.Unlock()
	e.ID = s.seq
	s.seq++
	if s.count == len(s.buf) {
		evicted = s.buf[s.next]
	}
	s.buf[s.next] = e
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
	return e.ID, s.epoch, evicted
}

func (s *exchangeStore) start() int {
	return (s.next - s.count + len(s.buf)) % len(s.buf)
}

// locate returns the buffer index holding id, or -1. Callers hold the lock.
func (s *exchangeStore) locate(id int64) int {
	if s.count == 0 || id < 1 {
		return -1
	}
	start := s.start()
	oldest := s.buf[start].ID
	if off := id - oldest; off >= 0 && off < int64(s.count) {
		idx := (start + int(off)) % len(s.buf)
		if s.buf[idx].ID == id {
			return idx
		}
	}
	// restored snapshots may carry gaps
	for i := 0; i < s.count; i++ {
		idx := (start + i) % len(s.buf)
		if s.buf[idx].ID == id {
			return idx
		}
	}
	return -1
}

// update applies fn to the live record id if it still belongs to epoch.
func (s *exchangeStore) update(id int64, epoch uint64, fn func(e *Exchange)) bool {
	s.Lock()
	defer s.Unlock()
	if epoch != s.epoch {
		return false
	}
	idx := s.locate(id)
	if idx < 0 {
		return false
	}
	fn(s.buf[idx])
	return true
}

// alive reports whether id is still retained in epoch.
func (s *exchangeStore) alive(id int64, epoch uint64) bool {
	s.RLock()
	defer s.RUnlock()
	return epoch == s.epoch && s.locate(id) >= 0
}

func (s *exchangeStore) get(id int64) (Exchange, bool) {
	s.RLock()
	defer s.RUnlock()
	idx := s.locate(id)
	if idx < 0 {
		return Exchange{}, false
	}
	return *s.buf[idx], true
}

// list returns copies, oldest first.
func (s *exchangeStore) list() []Exchange {
	s.RLock()
	defer s.RUnlock()
	out := make([]Exchange, 0, s.count)
	start := s.start()
	for i := 0; i < s.count; i++ {
		out = append(out, *s.buf[(start+i)%len(s.buf)])
	}
	return out
}

// newestFirst calls fn on each record from newest to oldest until fn returns
// false. fn runs under the read lock and must not retain e.
func (s *exchangeStore) newestFirst(fn func(e *Exchange) bool) {
	s.RLock()
	defer s.RUnlock()
	for i := 0; i < s.count; i++ {
		idx := (s.next - 1 - i + len(s.buf)) % len(s.buf)
		if !fn(s.buf[idx]) {
			return
		}
	}
}

func (s *exchangeStore) len() int {
	s.RLock()
	defer s.RUnlock()
	return s.count
}

func (s *exchangeStore) capacity() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.buf)
}

// clear drops every record, restarts ids at 1 and returns what was dropped.
func (s *exchangeStore) clear() []*Exchange {
	s.Lock()
	defer s.Unlock()
	dropped := make([]*Exchange, 0, s.count)
	start := s.start()
	for i := 0; i < s.count; i++ {
		dropped = append(dropped, s.buf[(start+i)%len(s.buf)])
	}
	for i := range s.buf {
		s.buf[i] = nil
	}
	s.count = 0
	s.next = 0
	s.seq = 1
	s.epoch++
	return dropped
}

// resize changes capacity, keeping the newest records. Ids are not reassigned.
func (s *exchangeStore) resize(capacity int) []*Exchange {
	if capacity < 1 {
		capacity = 1
	}
	s.Lock()
	defer s.Unlock()
	if capacity == len(s.buf) {
		return nil
	}
	kept := make([]*Exchange, 0, s.count)
	start := s.start()
	for i := 0; i < s.count; i++ {
		kept = append(kept, s.buf[(start+i)%len(s.buf)])
	}
	var evicted []*Exchange
	if len(kept) > capacity {
		evicted = append(evicted, kept[:len(kept)-capacity]...)
		kept = kept[len(kept)-capacity:]
	}
	s.buf = make([]*Exchange, capacity)
	copy(s.buf, kept)
	s.count = len(kept)
	s.next = s.count % capacity
	return evicted
}

// populate fills the ring from a saved list (oldest first), keeping the
// latest entries when the list exceeds capacity, and moves seq past the max id.
func (s *exchangeStore) populate(list []Exchange) {
	s.Lock()
	defer s.Unlock()
	if len(list) == 0 {
		return
	}
	if len(list) > len(s.buf) {
		list = list[len(list)-len(s.buf):]
	}
	for i := range s.buf {
		s.buf[i] = nil
	}
	var maxID int64
	for i := range list {
		e := list[i]
		s.buf[i] = &e
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	s.count = len(list)
	s.next = s.count % len(s.buf)
	if maxID >= s.seq {
		s.seq = maxID + 1
	}
}
