package trainer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"tumorclf/internal/augment"
	"tumorclf/internal/clferr"
	"tumorclf/internal/common/fsutil"
	"tumorclf/internal/model"
)

// ImageExts are the file extensions picked up inside class directories.
var ImageExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// Corpus is a class-per-subdirectory image tree. Classes are sorted by
// name and a sample's Label indexes into Classes.
type Corpus struct {
	Dir     string
	Classes []string
	Samples []augment.Sample
	Counts  map[string]int
}

// ScanCorpus lists the class directories of dir and the images below each
// of them. Hidden entries and loose files at the top level are ignored.
func ScanCorpus(dir string) (*Corpus, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.PathExists(abs) {
		return nil, fmt.Errorf("corpus %s does not exist", abs)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var classes []string
	folded := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() || fsutil.IsHidden(e.Name()) {
			continue
		}
		name := e.Name()
		key := strings.ToLower(name)
		if other, dup := folded[key]; dup {
			return nil, clferr.ErrLabelOrdering("class directories %q and %q in %s differ only by case", other, name, abs)
		}
		folded[key] = name
		if !model.IsKnownLabel(name) {
			return nil, clferr.ErrLabelOrdering("directory %q in %s is not a known class (want one of %s)",
				name, abs, strings.Join(model.KnownLabels, ", "))
		}
		classes = append(classes, name)
	}
	if len(classes) == 0 {
		return nil, clferr.ErrLabelOrdering("no class directories in %s", abs)
	}
	slices.Sort(classes)

	c := &Corpus{Dir: abs, Classes: classes, Counts: make(map[string]int, len(classes))}
	var merr *multierror.Error
	for label, class := range classes {
		files, err := listImages(filepath.Join(abs, class))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			merr = multierror.Append(merr, clferr.ErrEmptyClass(class, abs))
			continue
		}
		for _, f := range files {
			c.Samples = append(c.Samples, augment.Sample{Path: f, Label: label})
		}
		c.Counts[class] = len(files)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return c, nil
}

func listImages(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && fsutil.IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && fsutil.HasExt(d.Name(), ImageExts...) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	slices.Sort(out)
	return out, nil
}

// checkCompatible requires train and validation corpora to share one
// class set, so their index->label maps agree.
func checkCompatible(train, val *Corpus) error {
	if !slices.Equal(train.Classes, val.Classes) {
		return clferr.ErrLabelOrdering("training classes %v differ from validation classes %v", train.Classes, val.Classes)
	}
	return nil
}
