// Package scoring computes the priority score that orders the recall queue.
package scoring

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgeBracket awards Points to patients whose age is at least MinAge.
type AgeBracket struct {
	MinAge int `yaml:"min_age" json:"min_age"`
	Points int `yaml:"points" json:"points"`
}

// Table holds every tunable weight of the score.
type Table struct {
	AgeBrackets     []AgeBracket   `yaml:"age_brackets" json:"age_brackets"`
	ExamPoints      map[string]int `yaml:"exam_points" json:"exam_points"`
	DaysPerPoint    int            `yaml:"days_per_point" json:"days_per_point"`
	PointsPerStep   int            `yaml:"points_per_step" json:"points_per_step"`
	WaitCap         int            `yaml:"wait_cap" json:"wait_cap"`
	UrgencyBonus    int            `yaml:"urgency_bonus" json:"urgency_bonus"`
	VulnerableBonus int            `yaml:"vulnerable_bonus" json:"vulnerable_bonus"`
}

// DefaultTable returns the compiled-in weights.
func DefaultTable() Table {
	return Table{
		AgeBrackets: []AgeBracket{
			{MinAge: 60, Points: 10},
			{MinAge: 65, Points: 15},
			{MinAge: 80, Points: 25},
		},
		ExamPoints: map[string]int{
			"urgent-biopsy":     20,
			"oncology-followup": 18,
			"cardiac-stress":    15,
			"echocardiogram":    12,
			"colonoscopy":       10,
			"mammography":       8,
			"routine":           0,
		},
		DaysPerPoint:    5,
		PointsPerStep:   1,
		WaitCap:         10,
		UrgencyBonus:    5,
		VulnerableBonus: 5,
	}
}

// Validate rejects tables whose age brackets would make the score decrease
// as age grows, or whose wait parameters are nonsensical.
func (t Table) Validate() error {
	brackets := t.sortedBrackets()
	for i := 1; i < len(brackets); i++ {
		if brackets[i].MinAge == brackets[i-1].MinAge {
			return fmt.Errorf("scoring: duplicate age bracket %d", brackets[i].MinAge)
		}
		if brackets[i].Points < brackets[i-1].Points {
			return fmt.Errorf("scoring: age bracket %d awards fewer points than %d", brackets[i].MinAge, brackets[i-1].MinAge)
		}
	}
	for _, b := range brackets {
		if b.MinAge < 0 || b.Points < 0 {
			return fmt.Errorf("scoring: age bracket %d has negative values", b.MinAge)
		}
	}
	if t.DaysPerPoint <= 0 {
		return fmt.Errorf("scoring: days_per_point must be positive")
	}
	if t.PointsPerStep < 0 || t.WaitCap < 0 {
		return fmt.Errorf("scoring: wait weights must be non-negative")
	}
	if t.UrgencyBonus < 0 || t.VulnerableBonus < 0 {
		return fmt.Errorf("scoring: bonuses must be non-negative")
	}
	for exam, pts := range t.ExamPoints {
		if pts < 0 {
			return fmt.Errorf("scoring: exam %q has negative points", exam)
		}
	}
	return nil
}

func (t Table) sortedBrackets() []AgeBracket {
	out := append([]AgeBracket(nil), t.AgeBrackets...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinAge < out[j].MinAge })
	return out
}

// normalized lower-cases exam keys and sorts brackets ascending.
func (t Table) normalized() Table {
	out := t
	out.AgeBrackets = t.sortedBrackets()
	out.ExamPoints = make(map[string]int, len(t.ExamPoints))
	for k, v := range t.ExamPoints {
		out.ExamPoints[normalizeExam(k)] = v
	}
	return out
}

func normalizeExam(exam string) string {
	return strings.ToLower(strings.TrimSpace(exam))
}

// LoadTable reads a YAML table. Fields missing from the file keep their
// default values; an empty path returns the defaults.
func LoadTable(path string) (Table, error) {
	table := DefaultTable()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("scoring: read table: %w", err)
	}
	return ParseTable(raw)
}

// ParseTable decodes YAML over the defaults and validates the result.
func ParseTable(raw []byte) (Table, error) {
	table := DefaultTable()
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return Table{}, fmt.Errorf("scoring: parse table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return Table{}, err
	}
	return table, nil
}
