package data

import (
	"encoding/csv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	imageRegexp    = regexp.MustCompile(`(?i)\.(ppm|png|jpe?g)$`)
	classDirRegexp = regexp.MustCompile(`^[0-9]+$`)
	gtCSVRegexp    = regexp.MustCompile(`^GT-.*\.csv$`)
)

// Item is one labelled image on disk.
type Item struct {
	Path  string
	Label int
}

// Discover lists the labelled images under root. With annotations set, root is a
// flat directory described by that csv. Otherwise images are read from numeric
// class subdirectories, and a root holding only a GT-*.csv is treated as flat.
// Every label must lie in [0, classes).
func Discover(root, annotations string, classes int) ([]Item, error) {
	var (
		items []Item
		err   error
	)
	switch {
	case annotations != "":
		items, err = ReadAnnotations(annotations, root)
	default:
		items, err = DiscoverClassDirs(root)
		if err == nil && len(items) == 0 {
			var csvPath string
			csvPath, err = findGroundTruth(root)
			if err == nil && csvPath != "" {
				items, err = ReadAnnotations(csvPath, root)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Label < 0 || it.Label >= classes {
			return nil, errors.Errorf("discover %s: label %d of %s outside [0, %d)", root, it.Label, it.Path, classes)
		}
	}
	return items, nil
}

// DiscoverClassDirs walks root/<class>/<image>, labelling each image with the
// numeric name of its directory. Results are sorted by path.
func DiscoverClassDirs(root string) ([]Item, error) {
	items := make([]Item, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !imageRegexp.MatchString(d.Name()) {
			return nil
		}
		parent := filepath.Base(filepath.Dir(path))
		if filepath.Dir(path) == filepath.Clean(root) || !classDirRegexp.MatchString(parent) {
			return nil
		}
		label, err := strconv.Atoi(parent)
		if err != nil {
			return err
		}
		items = append(items, Item{Path: path, Label: label})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover class dirs")
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func findGroundTruth(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", errors.Wrap(err, "discover ground truth")
	}
	for _, e := range entries {
		if !e.IsDir() && gtCSVRegexp.MatchString(e.Name()) {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", nil
}

// ReadAnnotations parses a semicolon separated ground-truth file with Filename
// and ClassId columns. Filenames are resolved against root.
func ReadAnnotations(csvPath, root string) ([]Item, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "read annotations")
	}
	defer f.Close()
	return parseAnnotations(f, root)
}

func parseAnnotations(r io.Reader, root string) ([]Item, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read annotations header")
	}
	fileCol, classCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "Filename":
			fileCol = i
		case "ClassId":
			classCol = i
		}
	}
	if fileCol < 0 || classCol < 0 {
		return nil, errors.Errorf("annotations need Filename and ClassId columns, got %v", header)
	}

	var items []Item
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "annotations line %d", line)
		}
		if len(rec) <= fileCol || len(rec) <= classCol {
			return nil, errors.Errorf("annotations line %d: %d fields", line, len(rec))
		}
		label, err := strconv.Atoi(strings.TrimSpace(rec[classCol]))
		if err != nil {
			return nil, errors.Wrapf(err, "annotations line %d", line)
		}
		items = append(items, Item{
			Path:  filepath.Join(root, strings.TrimSpace(rec[fileCol])),
			Label: label,
		})
	}
	return items, nil
}
