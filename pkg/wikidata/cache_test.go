package wikidata

import (
	"context"
	"testing"

	"github.com/gcquraishi/chronosgraph/pkg/common"
)

func TestCachedService_MemoisesLookups(t *testing.T) {
	static := NewStaticService(Entry{QID: "Q1048", Label: "Julius Caesar", Aliases: []string{"Caesar", "Gaius Julius Caesar"}})
	svc, err := NewCachedService(static, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for range 3 {
		if _, err := svc.LookupByQID(context.Background(), "Q1048"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, err := svc.FetchAliases(context.Background(), "Q1048", []string{"en"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if n := static.Calls("LookupByQID"); n != 1 {
		t.Fatalf("expected one upstream lookup, got %d", n)
	}
	if n := static.Calls("FetchAliases"); n != 1 {
		t.Fatalf("expected one upstream alias fetch, got %d", n)
	}
}

func TestCachedService_DoesNotCacheErrors(t *testing.T) {
	static := NewStaticService()
	svc, _ := NewCachedService(static, 8)

	for range 2 {
		if _, err := svc.LookupByQID(context.Background(), "Q404"); err == nil {
			t.Fatal("expected not found error")
		}
	}
	if n := static.Calls("LookupByQID"); n != 2 {
		t.Fatalf("expected errors to bypass the cache, got %d calls", n)
	}
}

func TestStaticService_Search(t *testing.T) {
	static := NewStaticService(
		Entry{QID: "Q517", Label: "Napoleon", Aliases: []string{"Napoléon Bonaparte"}, BirthYear: common.IntPtr(1769), DeathYear: common.IntPtr(1821)},
		Entry{QID: "Q7721", Label: "Napoleon III", BirthYear: common.IntPtr(1808)},
	)

	got, err := static.SearchByNameAndDates(context.Background(), "napoleon bonaparte", nil, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 1 || got[0].QID != "Q517" {
		t.Fatalf("expected alias match on Q517, got %v", got)
	}

	got, _ = static.SearchByNameAndDates(context.Background(), "Nobody", nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}
