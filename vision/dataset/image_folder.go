package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

// ErrMissingPair is returned when a high-resolution image has no
// low-resolution counterpart.
var ErrMissingPair = errors.New("no low-resolution counterpart")

// Item is one HR/LR pair.
type Item struct {
	HRPath string
	LRPath string
	Label  int
	// Name is the HR path relative to the HR root, slash separated.
	Name string
}

// PairedFolderDataset pairs every image below an HR directory with the image
// at the same relative path below an LR directory.
type PairedFolderDataset struct {
	items      []Item
	classNames []string
	labeled    bool
}

// Options control how labels are assigned.
type Options struct {
	// Labeled requests identity labels. Without a mapping file, the first
	// directory component of each relative path names the class and classes
	// are numbered in sorted order.
	Labeled bool
	// MappingFile, when set, holds "name label" lines. name is either a
	// relative image path or an identity directory.
	MappingFile string
}

// NewPairedFolderDataset scans hrDir recursively, in sorted order.
func NewPairedFolderDataset(hrDir, lrDir string, opts Options) (*PairedFolderDataset, error) {
	var rels []string
	err := filepath.WalkDir(hrDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !preprocessing.IsImageFile(path) {
			return nil
		}
		rel, err := filepath.Rel(hrDir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", hrDir, err)
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("no images found in %s", hrDir)
	}
	sort.Strings(rels)

	d := &PairedFolderDataset{labeled: opts.Labeled}

	var mapping map[string]int
	if opts.Labeled && opts.MappingFile != "" {
		if mapping, err = readMapping(opts.MappingFile); err != nil {
			return nil, err
		}
	}
	classToIdx := make(map[string]int)
	if opts.Labeled && mapping == nil {
		for _, rel := range rels {
			class, _, ok := strings.Cut(rel, "/")
			if !ok {
				return nil, fmt.Errorf("%s: image outside an identity directory and no mapping file given", rel)
			}
			if _, seen := classToIdx[class]; !seen {
				classToIdx[class] = len(d.classNames)
				d.classNames = append(d.classNames, class)
			}
		}
	}

	for _, rel := range rels {
		lrPath, err := findCounterpart(lrDir, rel)
		if err != nil {
			return nil, err
		}
		item := Item{
			HRPath: filepath.Join(hrDir, filepath.FromSlash(rel)),
			LRPath: lrPath,
			Label:  -1,
			Name:   rel,
		}
		if opts.Labeled {
			if mapping != nil {
				label, ok := lookupLabel(mapping, rel)
				if !ok {
					return nil, fmt.Errorf("%s: no entry in %s", rel, opts.MappingFile)
				}
				item.Label = label
			} else {
				class, _, _ := strings.Cut(rel, "/")
				item.Label = classToIdx[class]
			}
		}
		d.items = append(d.items, item)
	}

	if mapping != nil {
		maxLabel := -1
		for _, it := range d.items {
			if it.Label > maxLabel {
				maxLabel = it.Label
			}
		}
		for i := 0; i <= maxLabel; i++ {
			d.classNames = append(d.classNames, strconv.Itoa(i))
		}
	}

	return d, nil
}

// findCounterpart looks for rel below lrDir, then for the same stem with any
// other image extension.
func findCounterpart(lrDir, rel string) (string, error) {
	exact := filepath.Join(lrDir, filepath.FromSlash(rel))
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}
	stem := strings.TrimSuffix(exact, filepath.Ext(exact))
	for _, ext := range preprocessing.Extensions {
		candidate := stem + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w in %s", rel, ErrMissingPair, lrDir)
}

func readMapping(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label mapping: %w", err)
	}
	defer f.Close()

	mapping := make(map[string]int)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"name label\", got %q", path, line, text)
		}
		label, err := strconv.Atoi(fields[1])
		if err != nil || label < 0 {
			return nil, fmt.Errorf("%s:%d: invalid label %q", path, line, fields[1])
		}
		mapping[strings.Trim(filepath.ToSlash(fields[0]), "/")] = label
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("label mapping %s is empty", path)
	}
	return mapping, nil
}

// lookupLabel tries the full relative path first, then each enclosing
// directory from the innermost out.
func lookupLabel(mapping map[string]int, rel string) (int, bool) {
	if label, ok := mapping[rel]; ok {
		return label, true
	}
	dir := rel
	for {
		i := strings.LastIndex(dir, "/")
		if i < 0 {
			return 0, false
		}
		dir = dir[:i]
		if label, ok := mapping[dir]; ok {
			return label, true
		}
	}
}

// Len returns the number of items in the dataset
func (d *PairedFolderDataset) Len() int {
	return len(d.items)
}

// Item returns the pair at the given index
func (d *PairedFolderDataset) Item(index int) (Item, error) {
	if index < 0 || index >= len(d.items) {
		return Item{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.items))
	}
	return d.items[index], nil
}

// Labeled reports whether items carry identity labels.
func (d *PairedFolderDataset) Labeled() bool { return d.labeled }

// NumClasses returns the number of classes
func (d *PairedFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *PairedFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *PairedFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, it := range d.items {
		if it.Label >= 0 && it.Label < len(d.classNames) {
			dist[d.classNames[it.Label]]++
		}
	}
	return dist
}

// String returns a string representation of the dataset
func (d *PairedFolderDataset) String() string {
	if !d.labeled {
		return fmt.Sprintf("PairedFolderDataset: %d pairs, unlabeled", len(d.items))
	}
	return fmt.Sprintf("PairedFolderDataset: %d pairs, %d classes", len(d.items), len(d.classNames))
}
