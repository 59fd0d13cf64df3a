package eval

// Record is one judged comparison.
type Record struct {
	Reasoning string  `json:"reasoning,omitempty"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
}

// Metric collects judged records and the judge calls that failed.
type Metric struct {
	Records []Record `json:"records"`
	Errors  []string `json:"errors,omitempty"`
}

// Accuracy is the mean record score, or 0 without records.
func (m Metric) Accuracy() float64 {
	if len(m.Records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range m.Records {
		sum += r.Score
	}
	return sum / float64(len(m.Records))
}
