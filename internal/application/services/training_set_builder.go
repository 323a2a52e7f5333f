package services

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"

	"github.com/longregen/teleprompt/internal/prompt"
)

// TrainingSetBuilderConfig holds configuration for the training set builder
type TrainingSetBuilderConfig struct {
	MaxExamplesPerSet int     // Cap on examples after deduplication; zero keeps all
	TrainValSplit     float64 // Train/validation split ratio
	Shuffle           bool    // Shuffle before splitting
	Seed              int64   // Seed for the shuffle
}

// DefaultTrainingSetBuilderConfig returns the default configuration
func DefaultTrainingSetBuilderConfig() TrainingSetBuilderConfig {
	return TrainingSetBuilderConfig{
		MaxExamplesPerSet: 50,
		TrainValSplit:     0.8,
	}
}

// TrainingSetBuilder turns raw examples into training and validation sets
type TrainingSetBuilder struct {
	config TrainingSetBuilderConfig
}

// NewTrainingSetBuilder creates a new training set builder
func NewTrainingSetBuilder(config TrainingSetBuilderConfig) (*TrainingSetBuilder, error) {
	if err := ValidateFraction(config.TrainValSplit, "train/validation split"); err != nil {
		return nil, err
	}
	if err := ValidateNonNegative(config.MaxExamplesPerSet, "max examples per set"); err != nil {
		return nil, err
	}
	return &TrainingSetBuilder{config: config}, nil
}

// Build deduplicates examples by their inputs, assigns missing ids, caps the
// set and splits it. The first occurrence of duplicate inputs wins.
func (b *TrainingSetBuilder) Build(examples []prompt.Example) (train, val []prompt.Example) {
	examples = Deduplicate(prompt.EnsureIDs(examples))

	if b.config.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(b.config.Seed), uint64(b.config.Seed)))
		shuffled := make([]prompt.Example, len(examples))
		for i, j := range rng.Perm(len(examples)) {
			shuffled[i] = examples[j]
		}
		examples = shuffled
	}

	if b.config.MaxExamplesPerSet > 0 && len(examples) > b.config.MaxExamplesPerSet {
		examples = examples[:b.config.MaxExamplesPerSet]
	}
	return b.splitTrainVal(examples)
}

// splitTrainVal splits examples into training and validation sets
func (b *TrainingSetBuilder) splitTrainVal(examples []prompt.Example) (train, val []prompt.Example) {
	if len(examples) == 0 {
		return []prompt.Example{}, []prompt.Example{}
	}

	splitIdx := int(float64(len(examples)) * b.config.TrainValSplit)
	if splitIdx < 1 {
		splitIdx = 1
	}
	if splitIdx >= len(examples) {
		// All to train, empty val
		return examples, []prompt.Example{}
	}

	return examples[:splitIdx], examples[splitIdx:]
}

// Deduplicate drops examples whose inputs equal an earlier example's.
func Deduplicate(examples []prompt.Example) []prompt.Example {
	seen := make(map[string]struct{}, len(examples))
	out := make([]prompt.Example, 0, len(examples))
	for i, ex := range examples {
		key := inputsKey(ex)
		if _, dup := seen[key]; dup {
			log.Printf("info: dropping duplicate example %s", prompt.ExampleKey(ex, i))
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ex)
	}
	return out
}

// inputsKey is a canonical encoding of an example's inputs. json.Marshal
// sorts map keys, which makes the encoding order independent.
func inputsKey(ex prompt.Example) string {
	inputs := ex.Inputs()
	data, err := json.Marshal(inputs)
	if err == nil {
		return string(data)
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += fmt.Sprintf("%s=%v;", k, inputs[k])
	}
	return key
}
