package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	Operations    int
	Errors        int
	Duration      float64
	Throughput    float64
	Latency       float64 // microseconds per operation
	ErasesPerOp   float64
	Outcomes      map[string]int // powerloss only
	Timestamp     time.Time
}

// OutcomeSummary renders outcome counts as "name:count" pairs in name order.
func (r BenchmarkResult) OutcomeSummary() string {
	if len(r.Outcomes) == 0 {
		return "-"
	}
	names := make([]string, 0, len(r.Outcomes))
	for name := range r.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s:%d", name, r.Outcomes[name]))
	}
	return strings.Join(parts, " ")
}

var csvHeader = []string{
	"Timestamp", "BenchmarkType", "Operations", "Errors", "Duration",
	"Throughput", "Latency", "ErasesPerOp", "Outcomes",
}

// SaveResultCSV appends benchmark results to a CSV file, writing the header
// when the file is new.
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	_, statErr := os.Stat(filename)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if os.IsNotExist(statErr) {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.Operations),
			strconv.Itoa(r.Errors),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.ErasesPerOp),
			r.OutcomeSummary(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// LoadResultCSV loads benchmark results from a CSV file
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) <= 1 {
		return []BenchmarkResult{}, nil
	}
	records = records[1:]

	results := make([]BenchmarkResult, 0, len(records))
	for _, record := range records {
		if len(record) < len(csvHeader) {
			continue
		}

		timestamp, _ := time.Parse(time.RFC3339, record[0])
		operations, _ := strconv.Atoi(record[2])
		errs, _ := strconv.Atoi(record[3])
		duration, _ := strconv.ParseFloat(record[4], 64)
		throughput, _ := strconv.ParseFloat(record[5], 64)
		latency, _ := strconv.ParseFloat(record[6], 64)
		erases, _ := strconv.ParseFloat(record[7], 64)

		result := BenchmarkResult{
			Timestamp:     timestamp,
			BenchmarkType: record[1],
			Operations:    operations,
			Errors:        errs,
			Duration:      duration,
			Throughput:    throughput,
			Latency:       latency,
			ErasesPerOp:   erases,
			Outcomes:      parseOutcomes(record[8]),
		}
		results = append(results, result)
	}

	return results, nil
}

func parseOutcomes(s string) map[string]int {
	if s == "" || s == "-" {
		return nil
	}
	out := make(map[string]int)
	for _, pair := range strings.Fields(s) {
		name, count, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Println("No results to display")
		return
	}

	fmt.Println("+-----------+--------+------------+------------+----------+------------------------------+")
	fmt.Println("| Benchmark | Ops    | Throughput | Latency    | Erase/op | Outcomes                     |")
	fmt.Println("+-----------+--------+------------+------------+----------+------------------------------+")

	for _, r := range results {
		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Printf("| %-9s | %6d | %10.2f | %8.2f%s | %8.2f | %-28s |\n",
			r.BenchmarkType,
			r.Operations,
			r.Throughput,
			latency, latencyUnit,
			r.ErasesPerOp,
			r.OutcomeSummary())
	}
	fmt.Println("+-----------+--------+------------+------------+----------+------------------------------+")
}
