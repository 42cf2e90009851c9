package deliberation

import (
	"sort"

	"github.com/ashureev/council/internal/anonymize"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/prompt"
	"github.com/ashureev/council/internal/stage"
)

// Aggregate derives the consensus winner, the dissenting reviewers and the
// average rank of every candidate from the reviewers' rankings. Reviewers that
// failed are ignored.
func Aggregate(rankings []domain.ModelRanking) domain.StageTwoMetadata {
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, r := range rankings {
		if r.Error != "" {
			continue
		}
		for _, e := range r.Rankings {
			sums[e.ModelID] += e.Rank
			counts[e.ModelID]++
		}
	}

	meta := domain.StageTwoMetadata{DissentSet: []string{}}
	for id, n := range counts {
		meta.AggregateRankings = append(meta.AggregateRankings, domain.AggregateRank{
			ModelID:       id,
			AverageRank:   float64(sums[id]) / float64(n),
			RankingsCount: n,
		})
	}
	sort.Slice(meta.AggregateRankings, func(i, j int) bool {
		a, b := meta.AggregateRankings[i], meta.AggregateRankings[j]
		if a.AverageRank != b.AverageRank {
			return a.AverageRank < b.AverageRank
		}
		if a.RankingsCount != b.RankingsCount {
			return a.RankingsCount > b.RankingsCount
		}
		return a.ModelID < b.ModelID
	})
	if len(meta.AggregateRankings) == 0 {
		return meta
	}

	meta.ConsensusWinner = meta.AggregateRankings[0].ModelID
	for _, r := range rankings {
		if r.Error != "" || len(r.Rankings) == 0 {
			continue
		}
		if r.Rankings[0].ModelID != meta.ConsensusWinner {
			meta.DissentSet = append(meta.DissentSet, r.ModelID)
		}
	}
	return meta
}

// reviewRanking turns one reviewer's answer into its persisted form. Only the
// labels that were shown to the reviewer count. Pseudonyms are replaced by
// model ids in the entries and in the raw text.
func reviewRanking(res stage.Result, mapping *anonymize.Mapping, shown []string) domain.ModelRanking {
	out := domain.ModelRanking{
		ModelID:   res.ModelID,
		LatencyMS: res.LatencyMS,
		Rankings:  []domain.RankEntry{},
	}
	if !res.OK() {
		out.Error = string(res.Kind)
		return out
	}

	out.Raw = mapping.Reveal(res.Text)
	for i, r := range prompt.ParseRanking(res.Text, shown) {
		id, ok := mapping.Model(r.Label)
		if !ok {
			continue
		}
		out.Rankings = append(out.Rankings, domain.RankEntry{
			ModelID:   id,
			Rank:      i + 1,
			Rationale: mapping.Reveal(r.Rationale),
		})
	}
	if len(out.Rankings) == 0 {
		out.Error = "unparsable_ranking"
	}
	return out
}
