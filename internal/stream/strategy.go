package stream

import (
	"fmt"
	"math"
)

// Strategy selects a winner from the per-model results of one request.
// Results arrive in the caller's model order; ties break toward the earlier
// entry.
type Strategy interface {
	Name() string
	Select(results []ModelResult) ConsensusResult
}

// StrategyByName resolves a strategy name, defaulting to fastest for empty
// or unrecognized names.
func StrategyByName(name string) Strategy {
	switch name {
	case StrategyBest:
		return bestStrategy{}
	case StrategyConsensus:
		return consensusStrategy{}
	default:
		return fastestStrategy{}
	}
}

// fastestStrategy picks the model whose first chunk arrived earliest.
type fastestStrategy struct{}

func (fastestStrategy) Name() string { return StrategyFastest }

func (fastestStrategy) Select(results []ModelResult) ConsensusResult {
	winner := 0
	for i := 1; i < len(results); i++ {
		if firstChunkAt(results[i]) < firstChunkAt(results[winner]) {
			winner = i
		}
	}

	// Latency is the whole point here, so confidence is fixed: 0.8 for the
	// winner, 0.6 for everyone else.
	return ConsensusResult{
		SelectedModel:   results[winner].Model,
		SelectedContent: results[winner].Content,
		Confidence:      0.8,
		Alternatives:    alternatives(results, winner, func(ModelResult) float64 { return 0.6 }),
		Reasoning:       fmt.Sprintf("%s responded first", results[winner].Model),
	}
}

// bestStrategy picks the model with the highest quality score.
type bestStrategy struct{}

func (bestStrategy) Name() string { return StrategyBest }

func (bestStrategy) Select(results []ModelResult) ConsensusResult {
	winner := 0
	best := qualityScore(results[0])
	for i := 1; i < len(results); i++ {
		if s := qualityScore(results[i]); s > best {
			winner, best = i, s
		}
	}

	return ConsensusResult{
		SelectedModel:   results[winner].Model,
		SelectedContent: results[winner].Content,
		Confidence:      0.9,
		Alternatives:    alternatives(results, winner, confidenceByQuality),
		Reasoning:       fmt.Sprintf("%s scored highest on response quality (%.0f)", results[winner].Model, best),
	}
}

// consensusStrategy picks the first model whose response length lies within
// 20% of the mean length, treating closeness to the mean as agreement.
type consensusStrategy struct{}

func (consensusStrategy) Name() string { return StrategyConsensus }

func (consensusStrategy) Select(results []ModelResult) ConsensusResult {
	var total float64
	for _, r := range results {
		total += float64(len(r.Content))
	}
	mean := total / float64(len(results))

	winner := -1
	for i, r := range results {
		if math.Abs(float64(len(r.Content))-mean) <= 0.2*mean {
			winner = i
			break
		}
	}

	var reasoning string
	if winner < 0 {
		// No response is close to the mean; fall back to the first model.
		winner = 0
		reasoning = fmt.Sprintf("no consensus reached, defaulting to %s", results[winner].Model)
	} else {
		reasoning = fmt.Sprintf("%s agrees with the group consensus", results[winner].Model)
	}

	// Confidence is fixed: 0.7 for the winner (even on fallback), 0.5 for
	// everyone else.
	return ConsensusResult{
		SelectedModel:   results[winner].Model,
		SelectedContent: results[winner].Content,
		Confidence:      0.7,
		Alternatives:    alternatives(results, winner, func(ModelResult) float64 { return 0.5 }),
		Reasoning:       reasoning,
	}
}

// qualityScore rates one result on length (up to 50), completion (30), and
// chunk count (up to 20), for a maximum of 100.
func qualityScore(r ModelResult) float64 {
	score := math.Min(float64(len(r.Content))/100, 50)
	if r.Complete {
		score += 30
	}
	score += math.Min(float64(len(r.Chunks)), 20)
	return score
}

func confidenceByQuality(r ModelResult) float64 {
	return math.Min(qualityScore(r)/100, 1)
}

// firstChunkAt returns the wire timestamp of a result's first chunk.
func firstChunkAt(r ModelResult) int64 {
	return r.Chunks[0].Timestamp
}

// alternatives lists every non-winning result in caller order, rated by the
// given confidence function.
func alternatives(results []ModelResult, winner int, confidence func(ModelResult) float64) []Alternative {
	alts := make([]Alternative, 0, len(results)-1)
	for i, r := range results {
		if i == winner {
			continue
		}
		alts = append(alts, Alternative{
			Model:      r.Model,
			Content:    r.Content,
			Confidence: confidence(r),
			Err:        r.Err,
		})
	}
	return alts
}
