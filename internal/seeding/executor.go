package seeding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/vtt"
)

// Analyzer is the subset of the conversation analyzer the executor needs.
type Analyzer interface {
	Analyze(ctx context.Context, meta episode.Meta, utterances []Utterance) ConversationStructure
}

// Extractor is the subset of the unit extractor the executor needs.
type Extractor interface {
	ExtractAll(ctx context.Context, meta episode.Meta, units []MeaningfulUnit, unitText map[string][]Utterance) []ExtractedKnowledge
}

// Resolver is the subset of the cross-unit entity resolver the executor needs.
type Resolver interface {
	Resolve(ctx context.Context, knowledge []ExtractedKnowledge) ResolutionResult
}

// Writer is the subset of the graph writer the executor needs.
type Writer interface {
	WriteEpisode(ctx context.Context, w EpisodeWrite) error
}

// EpisodeWrite bundles one episode's full seeding-pipeline output. Defined
// here (rather than imported from engine/graph) so this package has no
// dependency on the storage layer; engine/graph's EpisodeWrite is
// structurally identical and accepted through the Writer interface.
type EpisodeWrite struct {
	Episode    episode.Episode
	Structure  ConversationStructure
	Units      []MeaningfulUnit
	Knowledge  []ExtractedKnowledge
	Resolution ResolutionResult
}

// Regrouper turns conversation structure + utterances into units. It is a
// plain function (internal/seeding/units.Regroup), not an interface, since it
// has no external dependencies to swap.
type Regrouper func(structure ConversationStructure, utterances []Utterance) []MeaningfulUnit

type Executor struct {
	analyzer  Analyzer
	regroup   Regrouper
	extractor Extractor
	resolver  Resolver
	writer    Writer
	store     *StepStore
	log       *slog.Logger
}

func NewExecutor(analyzer Analyzer, regroup Regrouper, extractor Extractor, resolver Resolver, writer Writer, store *StepStore, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{analyzer: analyzer, regroup: regroup, extractor: extractor, resolver: resolver, writer: writer, store: store, log: log}
}

// Run executes C10→C11→C12→C13→C14 for one episode's VTT transcript,
// checkpointing after each step so a retry resumes from the furthest
// completed step rather than redoing LLM calls.
func (e *Executor) Run(ctx context.Context, ep episode.Episode, vttText string) error {
	doc, err := vtt.Parse(vttText)
	if err != nil {
		return fmt.Errorf("seeding: parse vtt: %w", err)
	}
	utterances := utterancesFromDoc(doc)
	if len(utterances) == 0 {
		return fmt.Errorf("seeding: vtt has no cues")
	}

	meta := ep.Meta()

	var structure ConversationStructure
	if ok, loadErr := e.store.Load(ep.GUID, stepStructure, &structure); loadErr != nil {
		return loadErr
	} else if !ok {
		structure = e.analyzer.Analyze(ctx, meta, utterances)
		if err := e.store.Save(ep.GUID, stepStructure, structure); err != nil {
			return err
		}
	}

	var units []MeaningfulUnit
	if ok, loadErr := e.store.Load(ep.GUID, stepUnits, &units); loadErr != nil {
		return loadErr
	} else if !ok {
		units = e.regroup(structure, utterances)
		if len(units) == 0 {
			return fmt.Errorf("seeding: regrouping produced no units")
		}
		if err := e.store.Save(ep.GUID, stepUnits, units); err != nil {
			return err
		}
	}

	unitText := unitTextIndex(units, utterances)

	var knowledge []ExtractedKnowledge
	if ok, loadErr := e.store.Load(ep.GUID, stepKnowledge, &knowledge); loadErr != nil {
		return loadErr
	} else if !ok {
		knowledge = e.extractor.ExtractAll(ctx, meta, units, unitText)
		if err := e.store.Save(ep.GUID, stepKnowledge, knowledge); err != nil {
			return err
		}
	}

	var resolution ResolutionResult
	if ok, loadErr := e.store.Load(ep.GUID, stepResolution, &resolution); loadErr != nil {
		return loadErr
	} else if !ok {
		resolution = e.resolver.Resolve(ctx, knowledge)
		if err := e.store.Save(ep.GUID, stepResolution, resolution); err != nil {
			return err
		}
	}

	writeErr := e.writer.WriteEpisode(ctx, EpisodeWrite{
		Episode: ep, Structure: structure, Units: units, Knowledge: knowledge, Resolution: resolution,
	})
	if writeErr != nil {
		// Retry the whole write once per the graph-write error policy.
		e.log.Warn("seeding: graph write failed, retrying once", "guid", ep.GUID, "error", writeErr)
		writeErr = e.writer.WriteEpisode(ctx, EpisodeWrite{
			Episode: ep, Structure: structure, Units: units, Knowledge: knowledge, Resolution: resolution,
		})
		if writeErr != nil {
			return fmt.Errorf("seeding: graph write: %w", writeErr)
		}
	}

	return e.store.Clear(ep.GUID)
}

func utterancesFromDoc(doc vtt.Doc) []Utterance {
	out := make([]Utterance, len(doc.Cues))
	for i, c := range doc.Cues {
		out[i] = Utterance{Index: i, Start: c.StartSeconds, End: c.EndSeconds, Speaker: c.Speaker, Text: c.Text}
	}
	return out
}

func unitTextIndex(units []MeaningfulUnit, utterances []Utterance) map[string][]Utterance {
	byIndex := make(map[int]Utterance, len(utterances))
	for _, u := range utterances {
		byIndex[u.Index] = u
	}
	out := make(map[string][]Utterance, len(units))
	for _, unit := range units {
		list := make([]Utterance, 0, len(unit.SegmentIndexes))
		for _, idx := range unit.SegmentIndexes {
			if u, ok := byIndex[idx]; ok {
				list = append(list, u)
			}
		}
		out[unit.UnitID] = list
	}
	return out
}
