package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-medlabel/internal/directory"
	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
)

// memStore mirrors the relational store's semantics in memory.
type memStore struct {
	mu        sync.Mutex
	medicines map[string]medicine.Medicine
	mappings  map[string]string

	// raceOn makes the next insert for that bohcode lose to a concurrent writer.
	raceOn map[string]medicine.Medicine
}

func newMemStore() *memStore {
	return &memStore{
		medicines: map[string]medicine.Medicine{},
		mappings:  map[string]string{},
		raceOn:    map[string]medicine.Medicine{},
	}
}

func (s *memStore) GetMedicineByBohcode(_ context.Context, bohcode string) (medicine.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.mappings[bohcode]
	if !ok {
		return medicine.Medicine{}, postgres.ErrNotFound
	}
	m := s.medicines[key]
	m.Bohcode = bohcode
	return m, nil
}

func (s *memStore) GetMedicine(_ context.Context, id medicine.Identity) (medicine.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.medicines[id.Key()]
	if !ok {
		return medicine.Medicine{}, postgres.ErrNotFound
	}
	return m, nil
}

func (s *memStore) MedicineExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.medicines[key]
	return ok, nil
}

func (s *memStore) InsertMedicineWithMapping(_ context.Context, m medicine.Medicine, bohcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if winner, ok := s.raceOn[bohcode]; ok {
		delete(s.raceOn, bohcode)
		s.medicines[winner.ID.Key()] = winner
		s.mappings[bohcode] = winner.ID.Key()
	}
	if _, ok := s.mappings[bohcode]; ok {
		return fmt.Errorf("%s: %w", bohcode, postgres.ErrAlreadyMapped)
	}
	if _, ok := s.medicines[m.ID.Key()]; !ok {
		m.Bohcode = ""
		s.medicines[m.ID.Key()] = m
	}
	s.mappings[bohcode] = m.ID.Key()
	return nil
}

func (s *memStore) ReplaceCode(_ context.Context, old medicine.Identity, fresh medicine.Medicine) (postgres.ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.medicines[old.Key()]
	if !ok {
		return postgres.ReplaceResult{}, postgres.ErrNotFound
	}
	var res postgres.ReplaceResult
	newKey := fresh.ID.Key()
	if newKey == old.Key() {
		res.InPlace = true
		fresh.CarryUserFields(prev)
		s.medicines[newKey] = fresh
		res.Bohcodes = s.bohcodesOf(newKey)
		return res, nil
	}
	if _, exists := s.medicines[newKey]; exists {
		res.Merged = true
	} else {
		fresh.CarryUserFields(prev)
		s.medicines[newKey] = fresh
	}
	res.Bohcodes = s.bohcodesOf(old.Key())
	for _, b := range res.Bohcodes {
		s.mappings[b] = newKey
	}
	delete(s.medicines, old.Key())
	return res, nil
}

func (s *memStore) RemapBohcode(_ context.Context, bohcode string, fresh medicine.Medicine) (postgres.ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldKey, ok := s.mappings[bohcode]
	if !ok {
		return postgres.ReplaceResult{}, postgres.ErrNotFound
	}
	prev := s.medicines[oldKey]
	res := postgres.ReplaceResult{Bohcodes: []string{bohcode}}
	newKey := fresh.ID.Key()
	if newKey == oldKey {
		res.InPlace = true
		fresh.CarryUserFields(prev)
		s.medicines[newKey] = fresh
		return res, nil
	}
	if _, exists := s.medicines[newKey]; exists {
		res.Merged = true
	} else {
		fresh.CarryUserFields(prev)
		s.medicines[newKey] = fresh
	}
	s.mappings[bohcode] = newKey
	if len(s.bohcodesOf(oldKey)) == 0 {
		delete(s.medicines, oldKey)
	}
	return res, nil
}

func (s *memStore) UpdateEnrichment(_ context.Context, m medicine.Medicine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.medicines[m.ID.Key()]
	if !ok {
		return postgres.ErrNotFound
	}
	m.CarryUserFields(prev)
	m.Bohcode = ""
	s.medicines[m.ID.Key()] = m
	return nil
}

func (s *memStore) AddMappings(_ context.Context, id medicine.Identity, bohcodes []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.medicines[id.Key()]; !ok {
		return nil, postgres.ErrNotFound
	}
	added := []string{}
	for _, b := range bohcodes {
		if _, ok := s.mappings[b]; ok {
			continue
		}
		s.mappings[b] = id.Key()
		added = append(added, b)
	}
	return added, nil
}

func (s *memStore) ListUnresolved(_ context.Context) ([]medicine.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []medicine.Medicine{}
	for _, b := range s.sortedBohcodes() {
		m := s.medicines[s.mappings[b]]
		if !m.Resolved {
			m.Bohcode = b
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) bohcodesOf(key string) []string {
	out := []string{}
	for _, b := range s.sortedBohcodes() {
		if s.mappings[b] == key {
			out = append(out, b)
		}
	}
	return out
}

func (s *memStore) sortedBohcodes() []string {
	codes := make([]string, 0, len(s.mappings))
	for b := range s.mappings {
		codes = append(codes, b)
	}
	sort.Strings(codes)
	return codes
}

// dangling counts mappings whose medicine is missing.
func (s *memStore) dangling() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range s.mappings {
		if _, ok := s.medicines[key]; !ok {
			n++
		}
	}
	return n
}

// fakeDirectory answers from fixed tables and counts calls.
type fakeDirectory struct {
	mu        sync.Mutex
	codes     map[string]string
	details   map[string]directory.Detail
	covered   map[string][]string
	panicOn   map[string]bool
	resolves  int
	fetches   int
	lastNames []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		codes:   map[string]string{},
		details: map[string]directory.Detail{},
		covered: map[string][]string{},
		panicOn: map[string]bool{},
	}
}

func (d *fakeDirectory) add(bohcode, code, name string) {
	d.codes[bohcode] = code
	d.details[code] = directory.Detail{
		Code:          code,
		Name:          name,
		Form:          "필름코팅정",
		DosageRoute:   "경구",
		ClassCode:     "214",
		Manufacturer:  "한국제약 | 서울시 강남구",
		StorageRaw:    "기밀용기, 실온보관, 15-25℃",
		EffectsMarkup: `<ARTICLE title="1. 고혈압"/><ARTICLE title="(정보)"/>`,
	}
}

func (d *fakeDirectory) ResolveCanonicalCode(_ context.Context, bohcode string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolves++
	if d.panicOn[bohcode] {
		panic("malformed upstream response")
	}
	code, ok := d.codes[bohcode]
	return code, ok
}

func (d *fakeDirectory) FetchDetail(_ context.Context, code string) (directory.Detail, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	det, ok := d.details[code]
	return det, ok
}

func (d *fakeDirectory) FetchCoveredBohCodes(_ context.Context, code string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes, ok := d.covered[code]
	return codes, ok
}

func (d *fakeDirectory) SearchByName(_ context.Context, name string) ([]medicine.Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastNames = append(d.lastNames, name)
	return []medicine.Candidate{{Code: "A11", Name: name}}, true
}

type fakeLegacy map[string]directory.LegacyRecord

func (l fakeLegacy) Lookup(_ context.Context, bohcode string) (directory.LegacyRecord, bool) {
	rec, ok := l[bohcode]
	return rec, ok
}
