// Package correlate links events from the three streams into convergence
// groups with confidence-scored provenance. Groups are owned by single-owner
// shards so all operations on one group are serialized.
package correlate

import (
	"path"
	"strings"
	"time"

	"github.com/confluxd/conflux/event"
)

// Provenance is the method by which two events were linked.
type Provenance string

// Provenance types, in priority order (ties between equal confidences break
// toward the earlier entry).
const (
	ProvenanceExplicitID Provenance = "explicit_id"
	ProvenancePathExact  Provenance = "path_exact"
	ProvenancePathFuzzy  Provenance = "path_fuzzy"
	ProvenanceTagMatch   Provenance = "tag_match"
	ProvenanceHeuristic  Provenance = "heuristic"
	// ProvenanceFounding marks the member that opened the group.
	ProvenanceFounding Provenance = "founding"
)

// Fixed confidences per provenance. path_fuzzy is the one exception: it
// encodes the similarity score as 0.5 + 0.4*similarity, always below 0.9.
const (
	confidenceExplicitID = 1.0
	confidencePathExact  = 0.9
	confidenceTagMatch   = 0.8
	confidenceHeuristic  = 0.5

	fuzzyBase  = 0.5
	fuzzySpan  = 0.4
	fuzzyCeil  = 0.9
	fuzzyFloor = 0.3 // minimum similarity worth calling a match
)

func provenancePriority(p Provenance) int {
	switch p {
	case ProvenanceExplicitID:
		return 0
	case ProvenancePathExact:
		return 1
	case ProvenancePathFuzzy:
		return 2
	case ProvenanceTagMatch:
		return 3
	case ProvenanceHeuristic:
		return 4
	default:
		return 5
	}
}

// Link records how one event was attached to a group member.
type Link struct {
	SourceEventID string     `json:"source_event_id"`
	TargetEventID string     `json:"target_event_id"`
	Confidence    float64    `json:"confidence"`
	Provenance    Provenance `json:"provenance_type"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CanonicalKey derives the identifier a new group is keyed by: the explicit
// correlation hint when present, else the contract tag, else the entity id.
func CanonicalKey(ev *event.Event) string {
	if ev.CorrelationHint != "" {
		return ev.CorrelationHint
	}
	if tag := ev.ContractTag(); tag != "" {
		return tag
	}
	return ev.EntityID
}

// candidate is one possible attachment of an event to a group.
type candidate struct {
	group      *Group
	target     *event.Event
	confidence float64
	provenance Provenance
}

// score evaluates ev against every member of g and returns the best
// candidate, or false when nothing matches. heuristicWindow bounds the
// time-proximity fallback.
func score(ev *event.Event, g *Group, heuristicWindow time.Duration) (candidate, bool) {
	best := candidate{}
	found := false

	consider := func(target *event.Event, conf float64, prov Provenance) {
		if !found || conf > best.confidence ||
			(conf == best.confidence && provenancePriority(prov) < provenancePriority(best.provenance)) {
			best = candidate{group: g, target: target, confidence: conf, provenance: prov}
			found = true
		}
	}

	for _, m := range g.Members {
		target := m.Event

		if ev.CorrelationHint != "" && ev.CorrelationHint == target.CorrelationHint {
			consider(target, confidenceExplicitID, ProvenanceExplicitID)
			continue
		}

		evPath, targetPath := ev.ContractPath(), target.ContractPath()
		if evPath != "" && evPath == targetPath {
			consider(target, confidencePathExact, ProvenancePathExact)
		} else if evPath != "" && targetPath != "" {
			if sim := pathSimilarity(evPath, targetPath); sim >= fuzzyFloor {
				conf := fuzzyBase + fuzzySpan*sim
				if conf >= fuzzyCeil {
					conf = fuzzyCeil - 1e-9
				}
				consider(target, conf, ProvenancePathFuzzy)
			}
		}

		if tag := ev.ContractTag(); tag != "" && tag == target.ContractTag() {
			consider(target, confidenceTagMatch, ProvenanceTagMatch)
		}

		if ev.EntityID == target.EntityID && withinWindow(ev.EventTime, target.EventTime, heuristicWindow) {
			consider(target, confidenceHeuristic, ProvenanceHeuristic)
		}
	}

	return best, found
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// pathSimilarity compares two contract paths after normalization: lowercase,
// extension stripped, separators unified. Returns token-level Jaccard
// similarity weighted with a character-level Levenshtein ratio on the
// basename, in [0, 1].
func pathSimilarity(a, b string) float64 {
	na, nb := normalizePath(a), normalizePath(b)
	if na == nb {
		return 1
	}

	tokensA, tokensB := strings.Split(na, "/"), strings.Split(nb, "/")
	jaccard := tokenOverlap(tokensA, tokensB)
	baseRatio := levenshteinRatio(path.Base(na), path.Base(nb))
	return 0.5*jaccard + 0.5*baseRatio
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	p = strings.Trim(p, "/")
	if ext := path.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	return p
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		union[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
			delete(set, t) // count each shared token once
		}
		union[t] = true
	}
	return float64(shared) / float64(len(union))
}

func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
