package services

import (
	"math"
	"sort"

	"github.com/longregen/teleprompt/internal/prompt"
)

// Trajectory is one program execution on one mini-batch example under one
// sampling configuration.
type Trajectory struct {
	ID              string
	SourceExampleID string
	Source          prompt.Example
	Inputs          map[string]any
	Outputs         map[string]any
	Score           float64
	Success         bool
	Temperature     *float64
	Err             error
}

// Bucket groups the trajectories of a single source example. Trajectories
// are sorted by score, best first.
type Bucket struct {
	SourceExampleID string
	Trajectories    []Trajectory
	MaxScore        float64
	MinScore        float64
	AvgScore        float64
}

// Spread is the gap between the best and worst trajectory.
func (b Bucket) Spread() float64 {
	return b.MaxScore - b.MinScore
}

// Best returns the highest scoring successful trajectory.
func (b Bucket) Best() (Trajectory, bool) {
	for _, t := range b.Trajectories {
		if t.Success {
			return t, true
		}
	}
	return Trajectory{}, false
}

// buildBuckets groups trajectories by source example. Buckets come back
// ordered by spread, then max score, then average score, all descending;
// ties keep first-seen order.
func buildBuckets(trajectories []Trajectory) []Bucket {
	index := make(map[string]int)
	var buckets []Bucket
	for _, t := range trajectories {
		i, ok := index[t.SourceExampleID]
		if !ok {
			i = len(buckets)
			index[t.SourceExampleID] = i
			buckets = append(buckets, Bucket{SourceExampleID: t.SourceExampleID})
		}
		buckets[i].Trajectories = append(buckets[i].Trajectories, t)
	}

	out := buckets[:0]
	for _, b := range buckets {
		if len(b.Trajectories) == 0 {
			continue
		}
		sort.SliceStable(b.Trajectories, func(i, j int) bool {
			return b.Trajectories[i].Score > b.Trajectories[j].Score
		})
		b.MaxScore = b.Trajectories[0].Score
		b.MinScore = b.Trajectories[len(b.Trajectories)-1].Score
		var sum float64
		for _, t := range b.Trajectories {
			sum += t.Score
		}
		b.AvgScore = sum / float64(len(b.Trajectories))
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if si, sj := out[i].Spread(), out[j].Spread(); si != sj {
			return si > sj
		}
		if out[i].MaxScore != out[j].MaxScore {
			return out[i].MaxScore > out[j].MaxScore
		}
		return out[i].AvgScore > out[j].AvgScore
	})
	return out
}

// percentile returns the p-th percentile (0..100) of scores using linear
// interpolation between closest ranks.
func percentile(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
