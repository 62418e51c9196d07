package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/vision/dataset"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	Item(index int) (dataset.Item, error)
}

// Batch is one step's worth of paired images in the network domain.
type Batch struct {
	LR     *tensor.Tensor // [B, 3, h, w]
	HR     *tensor.Tensor // [B, 3, H, W]
	Labels []int
	Names  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Names) }

// Source yields batches for one epoch at a time. Next returns io.EOF once the
// epoch is exhausted; Reset starts the next one.
type Source interface {
	Next(ctx context.Context) (*Batch, error)
	Reset()
	Len() int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	// DropLast discards a trailing batch smaller than BatchSize.
	DropLast bool
	Shuffle  bool
	Seed     int64
	// NumWorkers bounds concurrent decodes within one batch.
	NumWorkers   int
	MaxCacheSize int // Maximum number of decoded images to cache
	HRWidth      int
	HRHeight     int
	// UpscaleFactor relates HR to LR size: LR is HRWidth/f x HRHeight/f.
	UpscaleFactor int
	CacheManager  *CacheManager // Optional shared cache manager
	Logger        zerolog.Logger
}

// DataLoader assembles batches from a paired dataset. Items that fail to
// decode are logged and skipped, and the batch is topped up from the
// following items.
type DataLoader struct {
	dataset  Dataset
	cfg      Config
	indices  []int
	position int
	rng      *rand.Rand
	mu       sync.Mutex

	cacheManager *CacheManager
	hrProc       *preprocessing.ImageProcessor
	lrProc       *preprocessing.ImageProcessor
	lrWidth      int
	lrHeight     int
	logger       zerolog.Logger
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, cfg Config) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.UpscaleFactor <= 0 {
		return nil, fmt.Errorf("upscale factor must be positive, got %d", cfg.UpscaleFactor)
	}
	if cfg.HRWidth <= 0 || cfg.HRHeight <= 0 {
		return nil, fmt.Errorf("invalid HR size %dx%d", cfg.HRWidth, cfg.HRHeight)
	}
	if cfg.HRWidth%cfg.UpscaleFactor != 0 || cfg.HRHeight%cfg.UpscaleFactor != 0 {
		return nil, fmt.Errorf("HR size %dx%d is not divisible by upscale factor %d",
			cfg.HRWidth, cfg.HRHeight, cfg.UpscaleFactor)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	cache := cfg.CacheManager
	if cache == nil {
		cache = NewCacheManager(cfg.MaxCacheSize)
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:      ds,
		cfg:          cfg,
		indices:      indices,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		cacheManager: cache,
		hrProc:       preprocessing.NewImageProcessor(cfg.HRWidth, cfg.HRHeight),
		lrWidth:      cfg.HRWidth / cfg.UpscaleFactor,
		lrHeight:     cfg.HRHeight / cfg.UpscaleFactor,
		logger:       cfg.Logger,
	}
	dl.lrProc = preprocessing.NewImageProcessor(dl.lrWidth, dl.lrHeight)
	if cfg.Shuffle {
		dl.shuffle()
	}
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Len returns the number of batches in one epoch, assuming every item decodes.
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.cfg.DropLast {
		return n / dl.cfg.BatchSize
	}
	return (n + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Reset resets the data loader to the beginning
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.cfg.Shuffle {
		dl.shuffle()
	}
}

type decoded struct {
	item dataset.Item
	hr   []float32
	lr   []float32
	err  error
}

// Next loads the next batch.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bs := dl.cfg.BatchSize
	filled := make([]decoded, 0, bs)
	for len(filled) < bs && dl.position < len(dl.indices) {
		end := dl.position + (bs - len(filled))
		if end > len(dl.indices) {
			end = len(dl.indices)
		}
		take := dl.indices[dl.position:end]
		dl.position = end

		results, err := dl.decodeAll(ctx, take)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.err != nil {
				dl.logger.Warn().Err(r.err).Str("path", r.item.HRPath).Msg("skipping undecodable item")
				observability.RecordSkippedItem()
				continue
			}
			filled = append(filled, r)
		}
	}

	if len(filled) == 0 || (dl.cfg.DropLast && len(filled) < bs) {
		return nil, io.EOF
	}
	return dl.assemble(filled)
}

// decodeAll decodes items concurrently into index-addressed slots, so the
// result order matches take regardless of completion order.
func (dl *DataLoader) decodeAll(ctx context.Context, take []int) ([]decoded, error) {
	results := make([]decoded, len(take))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.NumWorkers)
	for slot, idx := range take {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[slot] = dl.decode(idx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (dl *DataLoader) decode(idx int) decoded {
	item, err := dl.dataset.Item(idx)
	if err != nil {
		return decoded{item: item, err: err}
	}
	hr, err := dl.load(item.HRPath, dl.hrProc)
	if err != nil {
		return decoded{item: item, err: err}
	}
	lr, err := dl.load(item.LRPath, dl.lrProc)
	if err != nil {
		return decoded{item: item, err: err}
	}
	return decoded{item: item, hr: hr, lr: lr}
}

// load reads one image through the cache.
func (dl *DataLoader) load(path string, proc *preprocessing.ImageProcessor) ([]float32, error) {
	if data, ok := dl.cacheManager.Get(path); ok {
		return data, nil
	}
	img, err := proc.ProcessFile(path)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(path, img.Data)
	return img.Data, nil
}

func (dl *DataLoader) assemble(items []decoded) (*Batch, error) {
	n := len(items)
	hrSize := 3 * dl.cfg.HRWidth * dl.cfg.HRHeight
	lrSize := 3 * dl.lrWidth * dl.lrHeight
	hrData := make([]float32, n*hrSize)
	lrData := make([]float32, n*lrSize)
	labels := make([]int, n)
	names := make([]string, n)
	for i, it := range items {
		copy(hrData[i*hrSize:], it.hr)
		copy(lrData[i*lrSize:], it.lr)
		labels[i] = it.item.Label
		names[i] = it.item.Name
	}

	hr, err := tensor.NewTensor([]int{n, 3, dl.cfg.HRHeight, dl.cfg.HRWidth}, hrData)
	if err != nil {
		return nil, err
	}
	lr, err := tensor.NewTensor([]int{n, 3, dl.lrHeight, dl.lrWidth}, lrData)
	if err != nil {
		return nil, err
	}
	return &Batch{LR: lr, HR: hr, Labels: labels, Names: names}, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
