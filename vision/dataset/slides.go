package dataset

import (
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultExtensions are the patch file types picked up during discovery.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// SlideKey identifies one slide of one patient.
type SlideKey struct {
	Patient string
	Slide   string
}

func (k SlideKey) String() string {
	return k.Patient + "/" + k.Slide
}

// Slide is a discovered slide with its patch files at the target and at
// the coarser magnification. Both lists are sorted.
type Slide struct {
	Key    SlideKey
	Target []string
	Coarse []string
}

// Magnification splits a magnification string. A composite value such as
// "20_5" names the target directory in full and the coarser directory by
// its first component; a plain value uses the same directory for both.
func Magnification(mag string) (target, coarse string) {
	if i := strings.Index(mag, "_"); i >= 0 {
		return mag, mag[:i]
	}
	return mag, mag
}

// ListPatients returns the sorted patient directories under root.
func ListPatients(fs afero.Fs, root string) ([]string, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.Wrapf(err, "list patients in %s", root)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DiscoverSlides walks <root>/<patient>/<slide>/<mag>/ for each patient and
// returns the slides having at least minPatches target patches, in patient
// then slide order.
func DiscoverSlides(fs afero.Fs, root string, patients []string, mag string, minPatches int) ([]Slide, error) {
	targetDir, coarseDir := Magnification(mag)

	var slides []Slide
	for _, patient := range patients {
		entries, err := afero.ReadDir(fs, path.Join(root, patient))
		if err != nil {
			return nil, errors.Wrapf(err, "list slides of patient %s", patient)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := path.Join(root, patient, e.Name())
			target, err := listPatches(fs, path.Join(dir, targetDir))
			if err != nil {
				return nil, err
			}
			if len(target) < minPatches || len(target) == 0 {
				continue
			}
			coarse := target
			if coarseDir != targetDir {
				if coarse, err = listPatches(fs, path.Join(dir, coarseDir)); err != nil {
					return nil, err
				}
			}
			slides = append(slides, Slide{
				Key:    SlideKey{Patient: patient, Slide: e.Name()},
				Target: target,
				Coarse: coarse,
			})
		}
	}
	return slides, nil
}

func listPatches(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list patches in %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range DefaultExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Location parses the spatial coordinates encoded in a patch filename:
// "12_34.png" yields [12, 34].
func Location(file string) ([]float64, error) {
	stem := path.Base(file)
	if dot := strings.Index(stem, "."); dot >= 0 {
		stem = stem[:dot]
	}
	parts := strings.Split(stem, "_")
	loc := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Errorf("patch %s: coordinate %q is not an integer", file, p)
		}
		loc[i] = float64(v)
	}
	return loc, nil
}
