// Package filter narrows raw recognizer output according to request Parameters.
package filter

import (
	"slices"
	"unicode/utf8"

	"github.com/andresmejia3/ocrserve/internal/types"
)

// Apply returns the detections that survive p, in their original order.
//
// When TopK is set, a detection must first have one of the TopK largest
// distinct score values; ties on a kept score all survive, so the result can
// hold more than TopK entries. Survivors must then be at least MinLength
// runes long and pass the keyword rule: with Exclude their text must not be a
// keyword, without it their text must be one.
func Apply(p types.Parameters, dets []types.Detection) []types.Detection {
	var scores map[float64]struct{}
	if p.TopK > 0 {
		scores = topScores(dets, p.TopK)
	}

	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if scores != nil {
			if _, ok := scores[d.Score]; !ok {
				continue
			}
		}
		if utf8.RuneCountInString(d.Text) < p.MinLength {
			continue
		}
		if p.HasKeyword(d.Text) == p.Exclude {
			continue
		}
		out = append(out, d)
	}
	return out
}

// topScores collects the k largest distinct score values.
func topScores(dets []types.Detection, k int) map[float64]struct{} {
	distinct := make([]float64, 0, len(dets))
	seen := make(map[float64]struct{}, len(dets))
	for _, d := range dets {
		if _, ok := seen[d.Score]; ok {
			continue
		}
		seen[d.Score] = struct{}{}
		distinct = append(distinct, d.Score)
	}
	slices.SortFunc(distinct, func(a, b float64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	})

	keep := make(map[float64]struct{}, k)
	for _, s := range distinct[:min(k, len(distinct))] {
		keep[s] = struct{}{}
	}
	return keep
}
