package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Case is one dataset entry.
type Case struct {
	ID       string         `json:"id"`
	Input    string         `json:"input"`
	Expected string         `json:"expected,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const maxLineBytes = 4 * 1024 * 1024

// LoadJSONL reads one Case per line. Blank lines are skipped and cases
// without an id are named after their line number.
func LoadJSONL(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var (
		cases []Case
		line  int
		seen  = map[string]int{}
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c Case
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if strings.TrimSpace(c.Input) == "" {
			return nil, fmt.Errorf("dataset line %d: input is required", line)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("line-%d", line)
		}
		if prev, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("dataset line %d: duplicate id %q (first on line %d)", line, c.ID, prev)
		}
		seen[c.ID] = line
		cases = append(cases, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return cases, nil
}
