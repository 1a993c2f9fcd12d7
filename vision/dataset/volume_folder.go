package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-siamese/tensor"
	"github.com/tsawler/go-siamese/vision/preprocessing"
)

// VolumeSource is an indexed collection of labelled volumes.
type VolumeSource interface {
	Len() int
	Volume(idx int) (*tensor.Tensor, error)
	Class(idx int) int
}

// VolumeFolderConfig sizes the volumes produced by a VolumeFolder
type VolumeFolderConfig struct {
	Slices     int
	Height     int
	Width      int
	CacheSize  int      // decoded volumes kept in memory, 0 disables the cache
	Workers    int      // goroutines decoding the slices of one volume
	Extensions []string // defaults to .png, .jpg and .jpeg
}

type patient struct {
	id     string
	class  int
	slices []string // ordered by slice number
}

// VolumeFolder reads a directory laid out as root/<class>/<patient>_<slice>.<ext>.
// All slices of one patient are stacked into a [slices, height, width]
// volume; each patient is one sample.
type VolumeFolder struct {
	root       string
	config     VolumeFolderConfig
	patients   []patient
	classNames []string
	processor  *preprocessing.SliceProcessor
	cache      *VolumeCache
}

// NewVolumeFolder scans root. Class indices follow the sorted directory names.
func NewVolumeFolder(root string, config VolumeFolderConfig) (*VolumeFolder, error) {
	if config.Slices <= 0 || config.Height <= 0 || config.Width <= 0 {
		return nil, errors.Errorf("volume shape must be positive, got [%d %d %d]", config.Slices, config.Height, config.Width)
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".png", ".jpg", ".jpeg"}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}

	vf := &VolumeFolder{
		root:      root,
		config:    config,
		processor: preprocessing.NewSliceProcessor(config.Height, config.Width),
		cache:     NewVolumeCache(config.CacheSize),
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		class := len(vf.classNames)
		vf.classNames = append(vf.classNames, entry.Name())

		patients, err := scanPatients(filepath.Join(root, entry.Name()), config.Extensions)
		if err != nil {
			return nil, errors.Wrapf(err, "class %s", entry.Name())
		}
		for _, p := range patients {
			p.class = class
			if len(p.slices) < config.Slices {
				klog.Warningf("patient %s/%s has %d slices, padding to %d", entry.Name(), p.id, len(p.slices), config.Slices)
			}
			vf.patients = append(vf.patients, p)
		}
	}

	if len(vf.patients) == 0 {
		return nil, errors.Errorf("no volumes found in %s", root)
	}
	klog.V(1).Infof("loaded %d volumes from %s", len(vf.patients), root)
	return vf, nil
}

// scanPatients groups the slice images in dir by patient id.
func scanPatients(dir string, extensions []string) ([]patient, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*patient)
	var order []string
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name()))
		if f.IsDir() || !slices.Contains(extensions, ext) {
			continue
		}
		id, _ := splitSliceName(f.Name())
		p, ok := byID[id]
		if !ok {
			p = &patient{id: id}
			byID[id] = p
			order = append(order, id)
		}
		p.slices = append(p.slices, filepath.Join(dir, f.Name()))
	}

	patients := make([]patient, 0, len(order))
	for _, id := range order {
		p := byID[id]
		slices.SortFunc(p.slices, compareSlices)
		patients = append(patients, *p)
	}
	return patients, nil
}

// splitSliceName splits "218391_78.jpeg" into the patient id "218391" and
// slice number 78. Names without a numeric suffix get slice -1.
func splitSliceName(name string) (string, int) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndex(stem, "_")
	if i < 0 {
		return stem, -1
	}
	n, err := strconv.Atoi(stem[i+1:])
	if err != nil {
		return stem, -1
	}
	return stem[:i], n
}

func compareSlices(a, b string) int {
	_, na := splitSliceName(filepath.Base(a))
	_, nb := splitSliceName(filepath.Base(b))
	if na != nb {
		return na - nb
	}
	return strings.Compare(a, b)
}

// Len returns the number of volumes
func (vf *VolumeFolder) Len() int {
	return len(vf.patients)
}

// Class returns the class index of volume idx
func (vf *VolumeFolder) Class(idx int) int {
	return vf.patients[idx].class
}

// Patient returns the patient id of volume idx
func (vf *VolumeFolder) Patient(idx int) string {
	return vf.patients[idx].id
}

// Volume decodes volume idx, or serves it from the cache.
func (vf *VolumeFolder) Volume(idx int) (*tensor.Tensor, error) {
	if idx < 0 || idx >= len(vf.patients) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(vf.patients))
	}
	p := vf.patients[idx]
	key := vf.classNames[p.class] + "/" + p.id
	shape := []int{vf.config.Slices, vf.config.Height, vf.config.Width}

	if data, ok := vf.cache.Get(key); ok {
		return tensor.NewTensor(shape, slices.Clone(data))
	}

	data, err := vf.processor.StackSlices(p.slices, vf.config.Slices, vf.config.Workers)
	if err != nil {
		return nil, errors.Wrapf(err, "volume %s", key)
	}
	vf.cache.Put(key, data)
	return tensor.NewTensor(shape, slices.Clone(data))
}

// NumClasses returns the number of classes
func (vf *VolumeFolder) NumClasses() int {
	return len(vf.classNames)
}

// ClassNames returns the list of class names
func (vf *VolumeFolder) ClassNames() []string {
	return vf.classNames
}

// ClassDistribution returns the number of volumes per class
func (vf *VolumeFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, p := range vf.patients {
		dist[vf.classNames[p.class]]++
	}
	return dist
}

// CacheStats reports how often volumes were served from memory.
func (vf *VolumeFolder) CacheStats() CacheStats {
	return vf.cache.Stats()
}

func (vf *VolumeFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VolumeFolder %s: %d volumes of %dx%dx%d, %d classes\n",
		vf.root, len(vf.patients), vf.config.Slices, vf.config.Height, vf.config.Width, len(vf.classNames))
	dist := vf.ClassDistribution()
	for _, name := range vf.classNames {
		fmt.Fprintf(&sb, "  %s: %d volumes\n", name, dist[name])
	}
	return sb.String()
}
