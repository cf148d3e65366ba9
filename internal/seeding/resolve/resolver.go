// Package resolve implements cross-unit entity resolution (C13): merging
// variant mentions of the same entity across a single episode's units.
package resolve

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/loomcast/loomcast/internal/seeding"
)

const similarityThreshold = 0.85

// embeddingLow/embeddingHigh bound the similarity band where a normalized
// fuzzy match is too close to call on text alone; in that band, if an
// embedding backstop is configured, cosine similarity breaks the tie.
const embeddingLow = 0.75
const embeddingHigh = similarityThreshold

var suffixesToRemove = []string{
	", inc.", ", inc", " inc.", " inc",
	", llc", " llc",
	", ltd", " ltd",
	", corp", " corp",
	" corporation",
	" company",
	" & co",
	" co.",
}

var abbreviations = map[string]string{
	"&":      "and",
	"u.s.":   "us",
	"u.k.":   "uk",
	"dr.":    "doctor",
	"mr.":    "mister",
	"ms.":    "miss",
	"prof.":  "professor",
}

// staticAliases maps a normalized alias to its normalized canonical form.
// Entities whose normalized names land on either side of a pair are treated
// as the same term for matching purposes.
var staticAliases = map[string]string{
	"ai":                     "artificial intelligence",
	"ml":                     "machine learning",
	"llm":                    "large language model",
	"llms":                   "large language model",
	"api":                    "application programming interface",
	"ceo":                    "chief executive officer",
	"cto":                    "chief technology officer",
}

// irregularSingulars maps a plural form to its singular for the
// singular/plural matching heuristic.
var irregularSingulars = map[string]string{
	"analyses": "analysis",
	"criteria": "criterion",
	"data":     "datum",
}

var aliasPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)also known as ([^,.]+)`),
	regexp.MustCompile(`(?i)formerly ([^,.]+)`),
	regexp.MustCompile(`(?i)\baka ([^,.]+)`),
	regexp.MustCompile(`\(([^)]+)\)`),
	regexp.MustCompile(`or "([^"]+)"`),
	regexp.MustCompile(`or '([^']+)'`),
}

// EmbeddingBackstop resolves borderline (0.75-0.85) fuzzy matches using
// vector similarity. The backstop is optional: a nil EmbeddingBackstop
// disables it and borderline matches are treated as non-matches.
type EmbeddingBackstop interface {
	Similar(ctx context.Context, a, b string) (bool, error)
}

type candidate struct {
	canonical  seeding.CanonicalEntity
	normalized string
}

type Resolver struct {
	backstop EmbeddingBackstop
	log      *slog.Logger
}

func New(backstop EmbeddingBackstop, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{backstop: backstop, log: log}
}

// Resolve merges entity mentions from every unit's extracted knowledge into
// canonical entities for the episode.
func (r *Resolver) Resolve(ctx context.Context, knowledge []seeding.ExtractedKnowledge) seeding.ResolutionResult {
	var candidates []candidate
	// byKeyIdx maps each raw mention to its candidate; names are read after
	// all merges, since a later merge can change a candidate's canonical name.
	byKeyIdx := make(map[string]int)
	totalRaw := 0

	for _, k := range knowledge {
		for _, e := range k.Entities {
			totalRaw++
			norm := normalize(e.Name)
			idx := r.findMatch(ctx, norm, e.Type, candidates)
			if idx == -1 {
				aliases := map[string]bool{}
				for _, a := range extractAliases(e.Name, e.Description) {
					aliases[a] = true
				}
				c := seeding.CanonicalEntity{
					CanonicalName:       e.Name,
					Type:                e.Type,
					Aliases:             aliases,
					AppearsInUnits:      map[string]bool{k.UnitID: true},
					TotalMentionsGlobal: e.MentionCount,
					Confidence:          e.Confidence,
				}
				if c.TotalMentionsGlobal == 0 {
					c.TotalMentionsGlobal = 1
				}
				candidates = append(candidates, candidate{canonical: c, normalized: norm})
				byKeyIdx[entityKey(k.UnitID, e.Name)] = len(candidates) - 1
				continue
			}

			merged := mergeEntity(candidates[idx].canonical, e, k.UnitID)
			candidates[idx].canonical = merged
			if e.Confidence >= candidates[idx].canonical.Confidence {
				candidates[idx].normalized = norm
			}
			byKeyIdx[entityKey(k.UnitID, e.Name)] = idx
		}
	}

	byKey := make(map[string]string, len(byKeyIdx))
	for key, i := range byKeyIdx {
		byKey[key] = candidates[i].canonical.CanonicalName
	}

	canonical := make([]seeding.CanonicalEntity, len(candidates))
	for i, c := range candidates {
		canonical[i] = c.canonical
	}
	sort.Slice(canonical, func(i, j int) bool { return canonical[i].CanonicalName < canonical[j].CanonicalName })

	ratio := 0.0
	if totalRaw > 0 {
		ratio = 1 - float64(len(canonical))/float64(totalRaw)
	}

	return seeding.ResolutionResult{
		Canonical:      canonical,
		CanonicalByKey: byKey,
		ReductionRatio: ratio,
	}
}

func entityKey(unitID, rawName string) string {
	return unitID + "\x00" + rawName
}

// findMatch returns the index of the matching candidate, or -1 for none.
// Matching follows exact-normalized, alias, then fuzzy (with an optional
// embedding backstop for the borderline band); different types never merge.
func (r *Resolver) findMatch(ctx context.Context, norm, entityType string, candidates []candidate) int {
	best := -1
	bestScore := 0.0

	for i, c := range candidates {
		if c.canonical.Type != entityType {
			continue
		}
		if norm == c.normalized {
			return i
		}
		if aliasEquivalent(norm, c.normalized) {
			return i
		}
		for alias := range c.canonical.Aliases {
			if normalize(alias) == norm {
				return i
			}
		}

		score := similarityRatio(norm, c.normalized)
		if score >= similarityThreshold && score > bestScore {
			best, bestScore = i, score
			continue
		}
		if score >= embeddingLow && score < embeddingHigh && r.backstop != nil {
			ok, err := r.backstop.Similar(ctx, norm, c.normalized)
			if err != nil {
				r.log.Warn("embedding backstop failed", "error", err)
				continue
			}
			if ok && score > bestScore {
				best, bestScore = i, score
			}
		}
	}
	return best
}

func mergeEntity(primary seeding.CanonicalEntity, dup seeding.Entity, unitID string) seeding.CanonicalEntity {
	if dup.Confidence > primary.Confidence {
		primary.CanonicalName = dup.Name
		primary.Confidence = dup.Confidence
	}
	if primary.Aliases == nil {
		primary.Aliases = map[string]bool{}
	}
	if !strings.EqualFold(dup.Name, primary.CanonicalName) {
		primary.Aliases[dup.Name] = true
	}
	for _, a := range extractAliases(dup.Name, dup.Description) {
		primary.Aliases[a] = true
	}
	delete(primary.Aliases, primary.CanonicalName)

	if primary.AppearsInUnits == nil {
		primary.AppearsInUnits = map[string]bool{}
	}
	primary.AppearsInUnits[unitID] = true

	mentions := dup.MentionCount
	if mentions == 0 {
		mentions = 1
	}
	primary.TotalMentionsGlobal += mentions

	return primary
}

// normalize lowercases, strips suffixes and expands abbreviations, collapses
// whitespace, and applies the singular/plural heuristic.
func normalize(name string) string {
	if name == "" {
		return ""
	}
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range suffixesToRemove {
		if strings.HasSuffix(n, suffix) {
			n = strings.TrimSpace(strings.TrimSuffix(n, suffix))
		}
	}
	for abbr, full := range abbreviations {
		n = strings.ReplaceAll(n, abbr, full)
	}
	n = strings.Join(strings.Fields(n), " ")
	return singularize(n)
}

func singularize(n string) string {
	if canonical, ok := irregularSingulars[n]; ok {
		return canonical
	}
	if strings.HasSuffix(n, "s") && !strings.HasSuffix(n, "ss") && len(n) > 3 {
		return strings.TrimSuffix(n, "s")
	}
	return n
}

// aliasEquivalent checks the static alias table in either direction.
func aliasEquivalent(a, b string) bool {
	if canonical, ok := staticAliases[a]; ok && canonical == b {
		return true
	}
	if canonical, ok := staticAliases[b]; ok && canonical == a {
		return true
	}
	return false
}

func extractAliases(name, description string) []string {
	if description == "" {
		return nil
	}
	var out []string
	for _, re := range aliasPatterns {
		for _, m := range re.FindAllStringSubmatch(description, -1) {
			alias := strings.TrimSpace(m[1])
			if alias != "" && !strings.EqualFold(alias, name) {
				out = append(out, alias)
			}
		}
	}
	return out
}

// similarityRatio computes a normalized-length similarity ratio using the
// longest common subsequence between two already-normalized strings.
func similarityRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	lcs := lcsLength(ra, rb)
	shorter := len(ra)
	if len(rb) < shorter {
		shorter = len(rb)
	}
	if shorter == 0 {
		return 0
	}
	return float64(lcs) / float64(shorter)
}

func lcsLength(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
