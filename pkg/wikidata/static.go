package wikidata

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
)

// StaticService answers from an in-memory catalogue. It backs offline runs
// and tests.
type StaticService struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	calls   map[string]int

	// Err, when set, is returned by every call.
	Err error
}

func NewStaticService(entries ...Entry) *StaticService {
	s := &StaticService{entries: map[string]*Entry{}, calls: map[string]int{}}
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

func (s *StaticService) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.QID] = &e
}

// Calls returns how often method was invoked.
func (s *StaticService) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

func (s *StaticService) record(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

func (s *StaticService) LookupByQID(_ context.Context, qid string) (*Entry, error) {
	s.record("LookupByQID")
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[qid]
	if !ok {
		return nil, &common.NotFoundError{ID: qid}
	}
	cp := *e
	return &cp, nil
}

// SearchByNameAndDates matches on the normalised label or any alias.
func (s *StaticService) SearchByNameAndDates(_ context.Context, name string, birthYear, deathYear *int) ([]Candidate, error) {
	s.record("SearchByNameAndDates")
	if s.Err != nil {
		return nil, s.Err
	}
	want := util.NormalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var cands []datedCandidate
	for _, e := range s.entries {
		if !matchesName(e, want) {
			continue
		}
		cands = append(cands, datedCandidate{
			Candidate: Candidate{QID: e.QID, Label: e.Label, Description: e.Description},
			birth:     e.BirthYear,
			death:     e.DeathYear,
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sortCandidates(cands)
	return rankByDates(cands, birthYear, deathYear), nil
}

func (s *StaticService) FetchAliases(_ context.Context, qid string, _ []string) ([]string, error) {
	s.record("FetchAliases")
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[qid]
	if !ok {
		return nil, &common.NotFoundError{ID: qid}
	}
	return dedupeStrings(append([]string{e.Label}, e.Aliases...), ""), nil
}

func matchesName(e *Entry, want string) bool {
	if util.NormalizeName(e.Label) == want {
		return true
	}
	for _, a := range e.Aliases {
		if util.NormalizeName(a) == want {
			return true
		}
	}
	return false
}

// sortCandidates orders by numeric Q-ID so map iteration does not leak into
// the result.
func sortCandidates(cands []datedCandidate) {
	slices.SortFunc(cands, func(a, b datedCandidate) int {
		x, y := strings.TrimPrefix(a.QID, "Q"), strings.TrimPrefix(b.QID, "Q")
		if len(x) != len(y) {
			return cmp.Compare(len(x), len(y))
		}
		return strings.Compare(x, y)
	})
}
