package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/synoptiq/go-conduit"
)

// Various data types for our pipeline stages
type RawText string
type TokenizedText []string
type FilteredTokens []string
type CountMap map[string]int
type TextStats struct {
	WordCount      int
	UniqueWords    int
	TopWords       []string
	LongestWord    string
	ShortestWord   string
	AverageLength  float64
	ProcessingTime time.Duration
}

// Stage 1: Tokenize text into words
func tokenizeText(ctx context.Context, text RawText) (TokenizedText, error) {
	startTime := time.Now()

	// Simulate processing delay
	time.Sleep(50 * time.Millisecond)

	// Check for context cancellation
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Convert to lowercase
	lowerText := strings.ToLower(string(text))

	// Remove punctuation and split into words
	re := regexp.MustCompile(`[^\w\s]`)
	cleanText := re.ReplaceAllString(lowerText, "")
	words := strings.Fields(cleanText)

	fmt.Printf("✓ Tokenized text into %d words (%.2fms)\n",
		len(words), float64(time.Since(startTime).Microseconds())/1000)

	return words, nil
}

// Stage 2: Filter out common stop words
func filterStopWords(ctx context.Context, tokens TokenizedText) (FilteredTokens, error) {
	startTime := time.Now()

	// Simulate processing delay
	time.Sleep(30 * time.Millisecond)

	// Check for context cancellation
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Common English stop words
	stopWords := map[string]bool{
		"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
		"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
		"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
		"for": true, "with": true, "about": true, "from": true, "as": true,
		"this": true, "that": true, "these": true, "those": true, "it": true,
		"i": true, "he": true, "she": true, "they": true, "we": true, "you": true,
	}

	// Filter out stop words
	filtered := make(FilteredTokens, 0, len(tokens))
	for _, word := range tokens {
		if !stopWords[word] && len(word) > 0 {
			filtered = append(filtered, word)
		}
	}

	fmt.Printf("✓ Filtered out stop words, %d words remaining (%.2fms)\n",
		len(filtered), float64(time.Since(startTime).Microseconds())/1000)

	return filtered, nil
}

// Stage 3: Count word frequencies
func countWords(ctx context.Context, tokens FilteredTokens) (CountMap, error) {
	startTime := time.Now()

	// Simulate processing delay
	time.Sleep(70 * time.Millisecond)

	// Check for context cancellation
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Count word frequencies
	wordCounts := make(CountMap)
	for _, word := range tokens {
		wordCounts[word]++
	}

	fmt.Printf("✓ Counted frequencies of %d unique words (%.2fms)\n",
		len(wordCounts), float64(time.Since(startTime).Microseconds())/1000)

	return wordCounts, nil
}

// Stage 4: Analyze text statistics
func analyzeText(ctx context.Context, counts CountMap) (TextStats, error) {
	startTime := time.Now()

	// Simulate processing delay
	time.Sleep(100 * time.Millisecond)

	// Check for context cancellation
	if ctx.Err() != nil {
		return TextStats{}, ctx.Err()
	}

	// Calculate total words
	totalWords := 0
	for _, count := range counts {
		totalWords += count
	}

	// Find longest and shortest words
	var longestWord string
	shortestWord := "pneumonoultramicroscopicsilicovolcanoconiosis" // A very long word as default

	for word := range counts {
		if len(word) > len(longestWord) {
			longestWord = word
		}
		if len(word) < len(shortestWord) {
			shortestWord = word
		}
	}

	// Calculate average word length
	totalLength := 0
	for word, count := range counts {
		totalLength += len(word) * count
	}

	averageLength := 0.0
	if totalWords > 0 {
		averageLength = float64(totalLength) / float64(totalWords)
	}

	// Find top words (limited to top 5)
	type wordCount struct {
		word  string
		count int
	}

	wordFreqs := make([]wordCount, 0, len(counts))
	for word, count := range counts {
		wordFreqs = append(wordFreqs, wordCount{word, count})
	}

	// Sort by count (simple bubble sort for demonstration)
	for i := 0; i < len(wordFreqs); i++ {
		for j := i + 1; j < len(wordFreqs); j++ {
			if wordFreqs[j].count > wordFreqs[i].count {
				wordFreqs[i], wordFreqs[j] = wordFreqs[j], wordFreqs[i]
			}
		}
	}

	// Get top words (up to 5)
	numTop := 5
	if len(wordFreqs) < numTop {
		numTop = len(wordFreqs)
	}

	topWords := make([]string, numTop)
	for i := 0; i < numTop; i++ {
		topWords[i] = fmt.Sprintf("%s (%d)", wordFreqs[i].word, wordFreqs[i].count)
	}

	stats := TextStats{
		WordCount:      totalWords,
		UniqueWords:    len(counts),
		TopWords:       topWords,
		LongestWord:    longestWord,
		ShortestWord:   shortestWord,
		AverageLength:  averageLength,
		ProcessingTime: time.Since(startTime),
	}

	fmt.Printf("✓ Analyzed text statistics (%.2fms)\n",
		float64(stats.ProcessingTime.Microseconds())/1000)

	return stats, nil
}

// displayStats prints the text statistics in a formatted way
func displayStats(text RawText, stats TextStats) {
	fmt.Println("\n📊 Text Analysis Results")
	fmt.Println("=====================")

	// Print some of the original text (truncated if too long)
	preview := string(text)
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	fmt.Printf("Text: %s\n\n", preview)

	fmt.Printf("Word count: %d\n", stats.WordCount)
	fmt.Printf("Unique words: %d\n", stats.UniqueWords)
	fmt.Printf("Average word length: %.2f characters\n", stats.AverageLength)
	fmt.Printf("Longest word: \"%s\" (%d characters)\n", stats.LongestWord, len(stats.LongestWord))
	fmt.Printf("Shortest word: \"%s\" (%d characters)\n", stats.ShortestWord, len(stats.ShortestWord))

	fmt.Println("\nTop words:")
	for i, word := range stats.TopWords {
		fmt.Printf("  %d. %s\n", i+1, word)
	}

	fmt.Printf("\nTotal processing time: %.2f ms\n",
		float64(stats.ProcessingTime.Microseconds())/1000)
}

// sampleTexts provides some examples for processing
func sampleTexts() []RawText {
	return []RawText{
		"The quick brown fox jumps over the lazy dog. This pangram contains every letter of the English alphabet.",

		"Four score and seven years ago our fathers brought forth on this continent, a new nation, " +
			"conceived in Liberty, and dedicated to the proposition that all men are created equal.",

		"It was the best of times, it was the worst of times, it was the age of wisdom, it was the age " +
			"of foolishness, it was the epoch of belief, it was the epoch of incredulity, it was the season " +
			"of Light, it was the season of Darkness, it was the spring of hope, it was the winter of despair, " +
			"we had everything before us, we had nothing before us, we were all going direct to Heaven, " +
			"we were all going direct the other way.",
	}
}

// addAnalysisStages appends the four analysis filters to p.
func addAnalysisStages(p *conduit.Pipeline[RawText, TextStats]) error {
	if err := conduit.AddFilter(p, tokenizeText, conduit.WithStageName("tokenize")); err != nil {
		return err
	}
	if err := conduit.AddFilter(p, filterStopWords, conduit.WithStageName("stop_words")); err != nil {
		return err
	}
	if err := conduit.AddFilter(p, countWords, conduit.WithStageName("count")); err != nil {
		return err
	}
	return conduit.AddFilter(p, analyzeText, conduit.WithStageName("analyze"))
}

// buildInteractivePipeline has no source or sink: texts are Put in and stats are Get out.
func buildInteractivePipeline() (*conduit.Pipeline[RawText, TextStats], error) {
	p := conduit.NewPipeline[RawText, TextStats](conduit.WithPipelineName("interactive"))
	if err := addAnalysisStages(p); err != nil {
		return nil, err
	}
	return p, nil
}

// buildBatchPipeline reads all texts from a source and prints each result in its sink.
func buildBatchPipeline(texts []RawText) (*conduit.Pipeline[RawText, TextStats], error) {
	p := conduit.NewPipeline[RawText, TextStats](
		conduit.WithPipelineName("batch"),
		conduit.WithBufferSize(2),
		conduit.WithPipelineLogger(log.New(os.Stdout, "[batch] ", log.Ltime)),
	)
	if err := p.AddSource(conduit.FromSlice(texts), conduit.WithStageName("texts")); err != nil {
		return nil, err
	}
	if err := addAnalysisStages(p); err != nil {
		return nil, err
	}

	// Results arrive in the order the texts were emitted
	next := 0
	err := p.AddSink(func(_ context.Context, stats TextStats) error {
		displayStats(texts[next], stats)
		next++
		return nil
	}, conduit.WithStageName("report"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildCompositePipeline groups the middle filters into one composite stage,
// which removes the pipes between them from the pipeline.
func buildCompositePipeline() (*conduit.Pipeline[RawText, TextStats], error) {
	p := conduit.NewPipeline[RawText, TextStats](conduit.WithPipelineName("composite"))
	err := conduit.AddComposite(p, func(c *conduit.Composite[RawText, TextStats]) error {
		if err := conduit.AddFirstFilter(c, tokenizeText); err != nil {
			return err
		}
		if err := conduit.AddNextFilter(c, filterStopWords); err != nil {
			return err
		}
		if err := conduit.AddNextFilter(c, countWords); err != nil {
			return err
		}
		return conduit.AddLastFilter(c, analyzeText)
	}, conduit.WithStageName("analysis"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// runInteractiveDemo feeds texts one by one with Put and reads each result with Get.
func runInteractiveDemo(name string, pipeline *conduit.Pipeline[RawText, TextStats], texts []RawText) {
	fmt.Printf("\n▶️ Running %s (%d stages, %d pipes)\n", name, len(pipeline.Stages()), pipeline.NumPipes())
	fmt.Printf("===================%s\n", strings.Repeat("=", len(name)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		fmt.Printf("❌ Failed to start pipeline: %v\n", err)
		return
	}
	defer func() {
		if err := pipeline.Stop(context.Background()); err != nil {
			fmt.Printf("❌ Failed to stop pipeline: %v\n", err)
		}
	}()

	for _, text := range texts {
		startTime := time.Now()
		if err := pipeline.Put(ctx, text); err != nil {
			fmt.Printf("\n❌ Put failed: %v\n", err)
			return
		}
		stats, err := pipeline.Get(ctx)
		if err != nil {
			fmt.Printf("\n❌ Pipeline failed after %.2f ms: %v\n",
				float64(time.Since(startTime).Microseconds())/1000, err)
			return
		}
		fmt.Printf("\n✅ Round trip took %.2f ms\n", float64(time.Since(startTime).Microseconds())/1000)
		displayStats(text, stats)
	}
}

func main() {
	fmt.Println("Conduit Pipeline Composition Demonstration")
	fmt.Println("==========================================")
	fmt.Println("This example chains filter stages that each turn the data")
	fmt.Println("into a new type before passing it on through a pipe.")

	texts := sampleTexts()

	interactive, err := buildInteractivePipeline()
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	runInteractiveDemo("Interactive Pipeline", interactive, texts[:2])

	composite, err := buildCompositePipeline()
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	runInteractiveDemo("Composite Pipeline", composite, texts[2:])

	fmt.Println("\n▶️ Running Batch Pipeline")
	fmt.Println("========================")
	batch, err := buildBatchPipeline(texts)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	startTime := time.Now()
	if err := conduit.Run(context.Background(), batch); err != nil {
		fmt.Printf("\n❌ Batch failed: %v\n", err)
	} else {
		fmt.Printf("\n✅ Batch of %d texts done in %.2f ms\n", len(texts),
			float64(time.Since(startTime).Microseconds())/1000)
	}

	fmt.Println("\nDemo Complete!")
}
