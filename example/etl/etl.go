package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/synoptiq/go-conduit"
)

// etlConfig wires the registered executors into a pipeline.
const etlConfig = `
version: "1.0.0"
pipeline_name: "user_etl"
buffer_size: 16
metrics:
  enabled: true
  type: "logging"
  endpoint: "user_etl"
stages:
  - name: "extract"
    type: "source"
    executor: "csv_rows"
  - name: "parse"
    type: "filter"
    executor: "parse_record"
  - name: "clean"
    type: "composite"
    stages:
      - name: "normalize_email"
        type: "filter"
        executor: "normalize_email"
      - name: "validate"
        type: "filter"
        executor: "validate_record"
    rate_limit:
      rate: 200
      burst: 5
  - name: "load"
    type: "sink"
    executor: "summarize"
`

// UserRecord represents a record in our input data
type UserRecord struct {
	Line      int
	ID        int
	Name      string
	Email     string
	Age       int
	CreatedAt time.Time
	Invalid   string // reason the record was rejected, empty when valid
}

// UserSummary represents our transformed output
type UserSummary struct {
	TotalUsers           int
	SkippedRecords       int
	AverageAge           float64
	EmailDomains         map[string]int
	RegistrationsByMonth map[string]int
}

// CSVRows returns a source emitting every data row of the file, header excluded.
// The file is opened on the first call and closed at end of file.
func CSVRows(filename string) conduit.SourceFunc[[]string] {
	var (
		file   *os.File
		reader *csv.Reader
	)
	return func(_ context.Context) ([]string, bool, error) {
		if reader == nil {
			f, err := os.Open(filename)
			if err != nil {
				return nil, false, fmt.Errorf("failed to open file: %w", err)
			}
			file = f
			reader = csv.NewReader(f)
			reader.FieldsPerRecord = -1
			if _, err := reader.Read(); err != nil { // header
				file.Close()
				return nil, false, fmt.Errorf("failed to read CSV header: %w", err)
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			file.Close()
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read CSV: %w", err)
		}
		return record, true, nil
	}
}

// ParseRecord converts a raw row. Malformed rows are kept and marked invalid so the
// summary can count them.
func ParseRecord() conduit.FilterFunc[[]string, UserRecord] {
	line := 0
	return func(_ context.Context, record []string) (UserRecord, error) {
		line++
		user := UserRecord{Line: line}
		if len(record) < 5 {
			user.Invalid = "insufficient fields"
			return user, nil
		}

		id, err := strconv.Atoi(record[0])
		if err != nil {
			user.Invalid = fmt.Sprintf("invalid ID: %v", err)
			return user, nil
		}
		age, err := strconv.Atoi(record[3])
		if err != nil {
			user.Invalid = fmt.Sprintf("invalid age: %v", err)
			return user, nil
		}
		createdAt, err := time.Parse("2006-01-02", record[4])
		if err != nil {
			user.Invalid = fmt.Sprintf("invalid date: %v", err)
			return user, nil
		}

		user.ID = id
		user.Name = record[1]
		user.Email = record[2]
		user.Age = age
		user.CreatedAt = createdAt
		return user, nil
	}
}

func normalizeEmail(user UserRecord) UserRecord {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	return user
}

func validateRecord(user UserRecord) UserRecord {
	if user.Invalid != "" {
		return user
	}
	if parts := strings.Split(user.Email, "@"); len(parts) != 2 || parts[1] == "" {
		user.Invalid = "invalid email"
	} else if user.Age <= 0 || user.Age > 130 {
		user.Invalid = "age out of range"
	}
	return user
}

// Summarizer accumulates loaded records into a UserSummary.
type Summarizer struct {
	mu       sync.Mutex
	totalAge int
	summary  UserSummary
}

func NewSummarizer() *Summarizer {
	return &Summarizer{summary: UserSummary{
		EmailDomains:         make(map[string]int),
		RegistrationsByMonth: make(map[string]int),
	}}
}

func (s *Summarizer) Sink() conduit.SinkFunc[UserRecord] {
	return func(_ context.Context, user UserRecord) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if user.Invalid != "" {
			s.summary.SkippedRecords++
			fmt.Printf("⚠️ Record %d skipped: %s\n", user.Line, user.Invalid)
			return nil
		}
		s.summary.TotalUsers++
		s.totalAge += user.Age
		s.summary.EmailDomains[strings.Split(user.Email, "@")[1]]++
		s.summary.RegistrationsByMonth[user.CreatedAt.Format("2006-01")]++
		return nil
	}
}

func (s *Summarizer) Summary() UserSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := s.summary
	if summary.TotalUsers > 0 {
		summary.AverageAge = float64(s.totalAge) / float64(summary.TotalUsers)
	}
	return summary
}

func newRegistry(filename string, summarizer *Summarizer) (*conduit.Registry, error) {
	registry := conduit.NewRegistry()
	if err := conduit.RegisterSource(registry, "csv_rows", CSVRows(filename)); err != nil {
		return nil, err
	}
	if err := conduit.RegisterFilter(registry, "parse_record", ParseRecord()); err != nil {
		return nil, err
	}
	if err := conduit.RegisterFilter(registry, "normalize_email", conduit.Transform(normalizeEmail)); err != nil {
		return nil, err
	}
	if err := conduit.RegisterFilter(registry, "validate_record", conduit.Transform(validateRecord)); err != nil {
		return nil, err
	}
	if err := conduit.RegisterSink(registry, "summarize", summarizer.Sink()); err != nil {
		return nil, err
	}
	return registry, nil
}

func printSummary(summary UserSummary, elapsed time.Duration) {
	fmt.Println("\n📊 ETL Summary")
	fmt.Println("=============")
	fmt.Printf("Loaded users: %d (skipped %d)\n", summary.TotalUsers, summary.SkippedRecords)
	fmt.Printf("Average age: %.1f\n", summary.AverageAge)

	fmt.Println("Email domains:")
	domains := make([]string, 0, len(summary.EmailDomains))
	for domain := range summary.EmailDomains {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		fmt.Printf("  %s: %d\n", domain, summary.EmailDomains[domain])
	}

	fmt.Println("Registrations by month:")
	months := make([]string, 0, len(summary.RegistrationsByMonth))
	for month := range summary.RegistrationsByMonth {
		months = append(months, month)
	}
	sort.Strings(months)
	for _, month := range months {
		fmt.Printf("  %s: %d\n", month, summary.RegistrationsByMonth[month])
	}
	fmt.Printf("\nProcessing time: %.2f ms\n", float64(elapsed.Microseconds())/1000)
}

func generateSampleCSV() string {
	sampleData := []byte(`id,name,email,age,created_at
1,John Doe,John@Example.com,32,2023-01-15
2,Jane Smith,jane@example.net,28,2023-02-20
3,Bob Johnson,bob@gmail.com,45,2023-01-10
4,Alice Brown,alice@example.com,36,2023-03-05
x,Broken Row,broken@example.com,30,2023-03-06
5,Charlie Wilson,charlie@gmail.com,29,2023-02-12
6,Diana Miller,diana@example.org,41,2023-01-28
7,Edward Davis,edward-at-gmail.com,33,2023-03-15
8,Fiona Garcia,fiona@example.net,37,2023-02-08
9,George Martinez,george@gmail.com,42,2023-01-19
10,Hannah Robinson,hannah@example.com,31,2023-03-22
`)

	tempFile, err := os.CreateTemp("", "sample-*.csv")
	if err != nil {
		log.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tempFile.Write(sampleData); err != nil {
		log.Fatalf("Failed to write to temp file: %v", err)
	}
	tempFile.Close()

	return tempFile.Name()
}

func main() {
	fmt.Println("Conduit ETL Pipeline Demonstration")
	fmt.Println("==================================")
	fmt.Println("The pipeline below is assembled from a YAML configuration:")
	fmt.Println("extract -> parse -> clean[normalize_email, validate] -> load")

	sampleFile := generateSampleCSV()
	defer os.Remove(sampleFile)
	fmt.Printf("Created sample CSV file: %s\n\n", sampleFile)

	config, err := conduit.LoadPipelineConfigFromYAML([]byte(etlConfig))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	summarizer := NewSummarizer()
	registry, err := newRegistry(sampleFile, summarizer)
	if err != nil {
		log.Fatalf("Failed to register executors: %v", err)
	}
	for _, name := range registry.Executors() {
		description, _ := registry.Describe(name)
		fmt.Printf("  executor %-16s %s\n", name, description)
	}

	pipeline, err := conduit.BuildPipelineFromConfig[[]string, UserRecord](config, registry,
		conduit.WithPipelineLogger(log.New(os.Stdout, "[etl] ", log.Ltime)))
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	fmt.Printf("\nBuilt %q with %d stages and %d pipes\n\n", pipeline.Name(), len(pipeline.Stages()), pipeline.NumPipes())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	startTime := time.Now()
	if err := conduit.Run(ctx, pipeline); err != nil {
		log.Fatalf("❌ ETL failed: %v", err)
	}
	printSummary(summarizer.Summary(), time.Since(startTime))

	fmt.Println("\nDemo Complete!")
}
