package domain

import "sort"

// FeatureID names a paid product feature.
type FeatureID string

const (
	FeatureResumeExtractor  FeatureID = "resume-extractor"
	FeatureResumeChecker    FeatureID = "resume-checker"
	FeatureResumeBuilder    FeatureID = "resume-builder"
	FeatureBusinessConnect  FeatureID = "business-connect"
	FeatureFakeDetector     FeatureID = "fake-detector"
	FeatureRoadmapGenerator FeatureID = "roadmap-generator"
)

// FeatureCost is the token price of one use of a feature.
type FeatureCost struct {
	Feature FeatureID `json:"feature"`
	Cost    int64     `json:"cost"`
}

// DefaultFeatureCosts returns the product's cost schedule.
func DefaultFeatureCosts() map[FeatureID]int64 {
	return map[FeatureID]int64{
		FeatureResumeExtractor:  1,
		FeatureResumeChecker:    1,
		FeatureResumeBuilder:    2,
		FeatureBusinessConnect:  2,
		FeatureFakeDetector:     2,
		FeatureRoadmapGenerator: 3,
	}
}

// SortedCosts flattens a cost table ordered by cost, then feature id.
func SortedCosts(costs map[FeatureID]int64) []FeatureCost {
	out := make([]FeatureCost, 0, len(costs))
	for f, c := range costs {
		out = append(out, FeatureCost{Feature: f, Cost: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}
