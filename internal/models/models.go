package models

import "fmt"

// Key is the dense integer id of a keyframe. It joins the vector index to the metadata store.
type Key int64

// Coordinate is a keyframe's position in the source dataset.
type Coordinate struct {
	Group int `json:"group_num"`
	Video int `json:"video_num"`
	Frame int `json:"keyframe_num"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Group, c.Video, c.Frame)
}

// Record is a persisted keyframe row in the metadata store
type Record struct {
	Key   Key `json:"key"`
	Group int `json:"group_num"`
	Video int `json:"video_num"`
	Frame int `json:"keyframe_num"`
}

// Coordinate returns the dataset position of the record
func (r Record) Coordinate() Coordinate {
	return Coordinate{Group: r.Group, Video: r.Video, Frame: r.Frame}
}

// Candidate is a single hit returned by the vector index, before filtering and joining.
// Score is higher for more similar keyframes.
type Candidate struct {
	Key   Key
	Score float64
}

// SearchRequest is what the orchestrator sends to the vector index
type SearchRequest struct {
	Embedding []float32
	TopK      int
	// Exclude is applied inside the index query, not after it.
	Exclude []Key
}

// RankedResult is one item of a query response
type RankedResult struct {
	Key        Key        `json:"key"`
	Coordinate Coordinate `json:"coordinate"`
	Score      float64    `json:"score"`
}
