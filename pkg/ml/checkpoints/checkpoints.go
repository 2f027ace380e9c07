// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading snapshots of a distillation run to files.
//
// The main object is the Handler, created by calling Build, followed by the various options and
// finally Config.Done. A Checkpoint holds the values of every parameter of the student and of the
// teacher, the replacements committed so far and the position (epoch and global step) of the run.
// Checkpoints are encoded with CBOR (github.com/fxamacker/cbor/v2), optionally gzip compressed.
//
// Example: save a checkpoint at the end of every epoch, keeping the last 3:
//
//	handler, err := checkpoints.Build(*flagCheckpoint).Keep(3).Done()
//	if err != nil { ... }
//	loop := train.NewLoop(trainer)
//	const priority = 100  // Large number here, means it runs last.
//	train.EveryNEpochs(loop, 1, "checkpointing", priority, handler.OnEpochEndFn(student))
//
// To load the latest checkpoint back into a student with the same structure:
//
//	ckpt, err := handler.LoadLatest()
//	if err != nil { ... }
//	err = ckpt.Restore(student)
package checkpoints

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission.
const DirPermMode = os.ModePerm

// Format of the checkpoint files.
type Format int

const (
	// FormatGZIP is CBOR compressed with gzip. This is the default.
	FormatGZIP Format = iota

	// FormatUncompressed is plain CBOR.
	FormatUncompressed
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatGZIP:
		return "gzip"
	case FormatUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// suffix of the files written in the format.
func (f Format) suffix() string {
	if f == FormatGZIP {
		return CBORSuffix + GZIPSuffix
	}
	return CBORSuffix
}

const (
	baseNamePrefix = "checkpoint-"

	// CBORSuffix for the files holding a checkpoint.
	CBORSuffix = ".cbor"

	// GZIPSuffix is appended to CBORSuffix for compressed checkpoints.
	GZIPSuffix = ".gz"
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() to get the Handler.
type Config struct {
	err error

	dir      string
	keep     int
	mustLoad bool
	format   Format
	runID    string
}

// Build a configuration for a checkpoints.Handler saving to (and loading from) dir.
// The directory is created if it doesn't exist.
func Build(dir string) *Config {
	c := &Config{
		keep:   1,
		format: FormatGZIP,
	}
	return c.Dir(dir)
}

// Load creates the configuration to load checkpoints from dir.
// It's identical to Build, except Done fails if there are no checkpoints in dir.
func Load(dir string) *Config {
	c := &Config{
		keep:     1,
		format:   FormatGZIP,
		mustLoad: true,
	}
	return c.Dir(dir)
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints.
func (c *Config) Dir(dir string) *Config {
	if dir == "" {
		c.setError(errors.New("checkpoint directory not given"))
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	if n == 0 || n < -1 {
		c.setError(errors.Errorf("checkpoints.Config.Keep(%d): must be -1 (keep all) or > 0", n))
		return c
	}
	c.keep = n
	return c
}

// Format sets the format of the saved checkpoints. The default is FormatGZIP.
// Loading detects the format from the file name.
func (c *Config) Format(format Format) *Config {
	c.format = format
	return c
}

// RunID sets the id of the run stamped on every saved checkpoint. By default, a new UUID is generated.
func (c *Config) RunID(id string) *Config {
	c.runID = id
	return c
}

// Done creates the Handler. It returns an error if any of the options was invalid.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// Handler saves and loads checkpoints of one directory.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory of the checkpoints.
func (h *Handler) Dir() string { return h.config.dir }

// RunID stamped on the checkpoints saved by this Handler.
func (h *Handler) RunID() string { return h.config.runID }

// ListCheckpoints returns the file names of the checkpoints in the directory, older first.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) {
			continue
		}
		if !strings.HasSuffix(fileName, CBORSuffix) && !strings.HasSuffix(fileName, CBORSuffix+GZIPSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName)
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest sequence number in the saved checkpoints, or -1.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
	}
	return maxID
}

func (h *Handler) newFileName(epoch int) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-epoch-%04d%s", baseNamePrefix, h.checkpointsCount, now, epoch, h.config.format.suffix())
}

// Save writes ckpt to a new file, and removes the older checkpoints beyond the number configured with Keep.
// The RunID and Time of ckpt are filled in if not set.
func (h *Handler) Save(ckpt *Checkpoint) (err error) {
	if ckpt.RunID == "" {
		ckpt.RunID = h.config.runID
	}
	if ckpt.Time.IsZero() {
		ckpt.Time = time.Now()
	}
	fileName := h.newFileName(ckpt.Epoch)
	h.checkpointsCount++
	filePath := filepath.Join(h.config.dir, fileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint file %s", h, filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "%s: failed to close checkpoint file %s", h, filePath)
		}
		if err != nil {
			_ = os.Remove(filePath)
		}
	}()

	var w io.Writer = f
	var gz *gzip.Writer
	if h.config.format == FormatGZIP {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err = encMode.NewEncoder(w).Encode(ckpt); err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint to %s", h, filePath)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.Wrapf(err, "%s: failed to flush checkpoint file %s", h, filePath)
		}
	}
	klog.V(1).Infof("saved checkpoint %q (epoch %d, step %d)", filePath, ckpt.Epoch, ckpt.GlobalStep)
	return h.keepNCheckpoints()
}

// SaveStudent takes a snapshot of student (see FromStudent) and saves it.
func (h *Handler) SaveStudent(student *distill.Student, epoch, globalStep int) error {
	return h.Save(FromStudent(student, epoch, globalStep))
}

// OnEpochEndFn returns a train.OnEpochEndFn that saves a snapshot of student, convenient
// to attach to a training loop with train.EveryNEpochs.
//
// The saved epoch is 1-based: a checkpoint saved at the end of the first epoch has Epoch 1.
func (h *Handler) OnEpochEndFn(student *distill.Student) train.OnEpochEndFn {
	return func(loop *train.Loop, _ []float64) error {
		return h.SaveStudent(student, loop.Epoch+1, loop.Trainer.GlobalStep())
	}
}

// keepNCheckpoints removes the checkpoints in excess of the configured number, starting from the earlier ones.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, fileName := range list[:len(list)-h.config.keep] {
		filePath := filepath.Join(h.config.dir, fileName)
		if err = os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, filePath)
		}
	}
	return nil
}

// Load reads the checkpoint in fileName, a name returned by ListCheckpoints (or a path).
func (h *Handler) Load(fileName string) (*Checkpoint, error) {
	filePath := fileName
	if filepath.Base(fileName) == fileName {
		filePath = filepath.Join(h.config.dir, fileName)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint", h)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(filePath, GZIPSuffix) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: failed to uncompress checkpoint %s", h, filePath)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	ckpt := &Checkpoint{}
	if err = cbor.NewDecoder(r).Decode(ckpt); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode checkpoint %s", h, filePath)
	}
	klog.V(1).Infof("loaded checkpoint %q (run %s, epoch %d)", filePath, ckpt.RunID, ckpt.Epoch)
	return ckpt, nil
}

// LoadLatest reads the most recent checkpoint. It returns an error if there are none.
func (h *Handler) LoadLatest() (*Checkpoint, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("%s: no checkpoints saved", h)
	}
	return h.Load(list[len(list)-1])
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()
