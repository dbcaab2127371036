// Rollcall - Offline-Tolerant Attendance Scan Ingestion
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcallhq/rollcall

package roster

import (
	"sort"
	"strings"

	"github.com/rollcallhq/rollcall/internal/models"
)

// Match ranks, strongest first.
const (
	rankExact     = 3
	rankPrefix    = 2
	rankSubstring = 1
)

// Search performs case-insensitive matching across identity code, first
// name, last name, and concatenated full name, against the cached roster
// only — it never touches the network.
//
// Ranking: exact match on any field first, then prefix match, then
// substring match; ties broken by last name, then first name. Results
// are capped at limit (the configured default when limit <= 0).
func (c *Cache) Search(query string, limit int) []models.RosterEntry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	if limit <= 0 || limit > c.cfg.SearchLimit {
		limit = c.cfg.SearchLimit
	}

	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	type ranked struct {
		entry models.RosterEntry
		rank  int
	}

	var matches []ranked
	for _, e := range entries {
		if r := matchRank(&e, query); r > 0 {
			matches = append(matches, ranked{entry: e, rank: r})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		li, lj := strings.ToLower(matches[i].entry.LastName), strings.ToLower(matches[j].entry.LastName)
		if li != lj {
			return li < lj
		}
		fi, fj := strings.ToLower(matches[i].entry.FirstName), strings.ToLower(matches[j].entry.FirstName)
		if fi != fj {
			return fi < fj
		}
		return matches[i].entry.IdentityCode < matches[j].entry.IdentityCode
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]models.RosterEntry, len(matches))
	for i, m := range matches {
		results[i] = m.entry
	}
	return results
}

// matchRank returns the strongest match between the query and any of the
// entry's searchable fields, or 0 for no match.
func matchRank(e *models.RosterEntry, query string) int {
	fields := []string{
		strings.ToLower(e.IdentityCode),
		strings.ToLower(e.FirstName),
		strings.ToLower(e.LastName),
		strings.ToLower(e.FullName()),
	}

	best := 0
	for _, f := range fields {
		if f == "" {
			continue
		}
		switch {
		case f == query:
			return rankExact
		case strings.HasPrefix(f, query):
			if best < rankPrefix {
				best = rankPrefix
			}
		case strings.Contains(f, query):
			if best < rankSubstring {
				best = rankSubstring
			}
		}
	}
	return best
}
