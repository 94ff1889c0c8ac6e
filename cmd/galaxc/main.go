// Demo trainer: builds (or loads) a graph store, trains the model on it
// and reports evaluation figures. After training it fits the ANN
// shortlisting index over the label vectors and prints shortlisted
// predictions for a few seed nodes.
//
// Model architecture comes from a YAML config file (see --config), the
// training hyperparameters from context settings (see --set).
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	galaxc "github.com/Josh1108/GalaXC"
	"github.com/Josh1108/GalaXC/ann"
	"github.com/Josh1108/GalaXC/graphstore"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the model architecture and context param overrides.")
	flagEval   = flag.Bool("eval", false, "Run evaluation from the configured checkpoint instead of training.")
	flagStore  = flag.String("store", "", "Graph store file. If it does not exist a synthetic store is generated and saved there; empty keeps the synthetic store in memory only.")
	flagIndex  = flag.String("index", "", "If set, the ANN shortlist index is saved to this file after training.")
)

// fileConfig is the YAML layout of --config.
type fileConfig struct {
	Model struct {
		NumLabels     int    `yaml:"num_labels"`
		NumPartitions int    `yaml:"num_partitions"`
		FeatureDim    int    `yaml:"feature_dim"`
		HiddenDim     int    `yaml:"hidden_dim"`
		EmbedDim      int    `yaml:"embed_dim"`
		Fanouts       []int  `yaml:"fanouts"`
		Encoder       string `yaml:"encoder"`
		Aggregation   string `yaml:"aggregation"`
		Dropout       float64 `yaml:"dropout"`
		ResidualInit  string  `yaml:"residual_init"`
	} `yaml:"model"`
	Params map[string]any `yaml:"params"`
}

func defaultConfig() galaxc.Config {
	return galaxc.Config{
		NumLabels:     500,
		NumPartitions: 4,
		FeatureDim:    32,
		HiddenDim:     64,
		EmbedDim:      64,
		Fanouts:       []int{4, 4, 4},
		Encoder:       "sage",
		Aggregation:   "mean",
		Dropout:       0.2,
		ResidualInit:  "identity",
	}
}

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		galaxc.ParamTrainSteps:      2000,
		galaxc.ParamCheckpointPath:  "",
		galaxc.ParamNumCheckpoints:  3,
		"batch_size":                32,
		"eval_batch_size":           32,
		"shortlist_size":            0, // 0 picks 4 candidates per classifier shard.

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
	})
	return ctx
}

// applyConfig loads the YAML file, overriding the model defaults and the
// context params it names.
func applyConfig(ctx *context.Context, modelConfig *galaxc.Config, filePath string) {
	contents := must.M1(os.ReadFile(mldata.ReplaceTildeInDir(filePath)))
	var parsed fileConfig
	must.M(yaml.Unmarshal(contents, &parsed))
	m := parsed.Model
	if m.NumLabels > 0 {
		modelConfig.NumLabels = m.NumLabels
	}
	if m.NumPartitions > 0 {
		modelConfig.NumPartitions = m.NumPartitions
	}
	if m.FeatureDim > 0 {
		modelConfig.FeatureDim = m.FeatureDim
	}
	if m.HiddenDim > 0 {
		modelConfig.HiddenDim = m.HiddenDim
	}
	if m.EmbedDim > 0 {
		modelConfig.EmbedDim = m.EmbedDim
	}
	if len(m.Fanouts) > 0 {
		modelConfig.Fanouts = m.Fanouts
	}
	if m.Encoder != "" {
		modelConfig.Encoder = m.Encoder
	}
	if m.Aggregation != "" {
		modelConfig.Aggregation = m.Aggregation
	}
	if m.Dropout > 0 {
		modelConfig.Dropout = m.Dropout
	}
	if m.ResidualInit != "" {
		modelConfig.ResidualInit = m.ResidualInit
	}
	for name, value := range parsed.Params {
		ctx.SetParam(name, value)
	}
}

// loadOrBuildStore loads the graph store file, or generates a synthetic
// power-law-ish graph when there is none.
func loadOrBuildStore(filePath string, numNodes, featureDim int) *graphstore.InMemory {
	if filePath != "" {
		filePath = mldata.ReplaceTildeInDir(filePath)
		store, err := graphstore.Load(filePath)
		if err == nil {
			fmt.Printf("Loaded %s from %q\n", store, filePath)
			return store
		}
		if !errors.Is(err, os.ErrNotExist) {
			klog.Fatalf("Failed to load graph store from %q: %+v", filePath, err)
		}
	}

	fmt.Printf("Generating a synthetic graph store with %d nodes...\n", numNodes)
	rng := rand.New(rand.NewPCG(7, 21))
	features := make([]float32, numNodes*featureDim)
	for ii := range features {
		features[ii] = rng.Float32()*2 - 1
	}
	var sources, targets []int32
	for node := 0; node < numNodes; node++ {
		degree := 1 + rng.IntN(8)
		for e := 0; e < degree; e++ {
			// Preferential-ish attachment towards low node ids.
			target := rng.IntN(1 + rng.IntN(numNodes))
			if target == node {
				continue
			}
			sources = append(sources, int32(node))
			targets = append(targets, int32(target))
		}
	}
	store := graphstore.Build(features, featureDim, sources, targets)
	if filePath != "" {
		must.M(store.Save(filePath))
		fmt.Printf("Saved graph store to %q\n", filePath)
	}
	return store
}

// syntheticLabels assigns each node a handful of pseudo-random labels.
func syntheticLabels(numNodes, numLabels int) [][]int32 {
	rng := rand.New(rand.NewPCG(3, 9))
	labels := make([][]int32, numNodes)
	for node := range labels {
		count := 1 + rng.IntN(4)
		labels[node] = make([]int32, count)
		for ii := range labels[node] {
			labels[node][ii] = int32(rng.IntN(numLabels))
		}
	}
	return labels
}

func main() {
	ctx := createDefaultContext()
	modelConfig := defaultConfig()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig != "" {
		applyConfig(ctx, &modelConfig, *flagConfig)
	}
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	const numNodes = 4096
	store := loadOrBuildStore(*flagStore, numNodes, modelConfig.FeatureDim)
	model := galaxc.New(modelConfig, store)

	// Split seeds 90/10 into train and eval.
	nodeLabels := syntheticLabels(store.NumNodes(), modelConfig.NumLabels)
	numTrain := store.NumNodes() * 9 / 10
	seeds := make([]int32, store.NumNodes())
	for ii := range seeds {
		seeds[ii] = int32(ii)
	}
	batchSize := context.GetParamOr(ctx, "batch_size", 32)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 32)
	trainDS := galaxc.NewDataset("train", model, seeds[:numTrain], nodeLabels[:numTrain], batchSize, true)
	trainEvalDS := galaxc.NewDataset("train-eval", model, seeds[:numTrain], nodeLabels[:numTrain], evalBatchSize, false)
	evalDS := galaxc.NewDataset("eval", model, seeds[numTrain:], nodeLabels[numTrain:], evalBatchSize, false)

	start := time.Now()
	if *flagEval {
		must.M(galaxc.Eval(backend, ctx, model, trainEvalDS, evalDS))
		return
	}
	must.M(galaxc.Train(backend, ctx, model, trainDS, trainEvalDS, evalDS))
	fmt.Printf("Training done in %s\n", time.Since(start))

	// Fit the shortlisting index over the trained label vectors and show
	// a few shortlisted predictions.
	shortlistSize := context.GetParamOr(ctx, "shortlist_size", 0)
	if shortlistSize <= 0 {
		shortlistSize = 4 * model.Classifier.NumShards()
	}
	shortlister := galaxc.NewShortlister(backend, ctx, model, ann.New(16, 64, 4))
	if *flagIndex != "" {
		must.M(shortlister.Index().Save(mldata.ReplaceTildeInDir(*flagIndex)))
		fmt.Printf("Saved ANN index to %q\n", *flagIndex)
	}
	sampleSeeds := seeds[numTrain : numTrain+4]
	candidates, logits := shortlister.Predict(sampleSeeds, shortlistSize)
	candidateRows := candidates.Value().([][]int32)
	logitRows := logits.Value().([][]float32)
	for ii, seed := range sampleSeeds {
		fmt.Printf("node %d: ", seed)
		for jj, labelID := range candidateRows[ii] {
			fmt.Printf("%d (%.3f) ", labelID, logitRows[ii][jj])
		}
		fmt.Println()
	}
}
