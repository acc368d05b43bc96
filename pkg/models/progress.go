package models

import "math"

// Progress aggregates task statuses for a fan-out set or a pipeline.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// Add counts one task with the given status.
func (p *Progress) Add(status string) {
	p.Total++
	switch status {
	case StatusCompleted:
		p.Completed++
	case StatusFailed:
		p.Failed++
	case StatusProcessing:
		p.Processing++
	default:
		p.Pending++
	}
	p.Percentage = Percentage(p.Completed, p.Total)
}

// Percentage returns round(100*done/total), or 0 when total is 0.
func Percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

// SummarizeTasks builds a Progress over tasks.
func SummarizeTasks(tasks []*AnalysisTask) Progress {
	var p Progress
	for _, t := range tasks {
		p.Add(t.Status)
	}
	return p
}
