package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/releasefiles"
)

// Step names one stage of the per-target pipeline.
type Step string

const (
	StepSnapshot    Step = "snapshot"
	StepReleaseJob  Step = "release_job"
	StepPostProcess Step = "post_process"
	StepValidate    Step = "validate"
	StepBreakdown   Step = "breakdown"
)

// Steps lists the pipeline in execution order.
var Steps = []Step{StepSnapshot, StepReleaseJob, StepPostProcess, StepValidate, StepBreakdown}

const checkpointVersion = 1

// ErrCheckpointCorrupt is returned when a checkpoint fails its checksum.
var ErrCheckpointCorrupt = errors.New("checkpoint checksum mismatch")

// Checkpoint records the completed steps of a target and the artifacts a
// resumed run needs.
type Checkpoint struct {
	Taxonomy       int64                               `json:"taxonomy"`
	Assembly       string                              `json:"assembly"`
	ReleaseVersion int                                 `json:"release_version"`
	RunID          string                              `json:"run_id"`
	Completed      map[Step]time.Time                  `json:"completed"`
	Inputs         map[models.Category][]models.Source `json:"inputs,omitempty"`
	Files          []string                            `json:"files,omitempty"`
}

func newCheckpoint(t *models.ReleaseTarget, runID string) *Checkpoint {
	return &Checkpoint{
		Taxonomy:       t.Taxonomy,
		Assembly:       t.AssemblyAccession,
		ReleaseVersion: t.ReleaseVersion,
		RunID:          runID,
		Completed:      make(map[Step]time.Time),
	}
}

// Done reports whether step completed in this or an earlier run.
func (c *Checkpoint) Done(step Step) bool {
	_, ok := c.Completed[step]
	return ok
}

// Next returns the first incomplete step, or "" when all are done.
func (c *Checkpoint) Next() Step {
	for _, s := range Steps {
		if !c.Done(s) {
			return s
		}
	}
	return ""
}

func (c *Checkpoint) matches(t *models.ReleaseTarget) bool {
	return c.Taxonomy == t.Taxonomy && c.Assembly == t.AssemblyAccession && c.ReleaseVersion == t.ReleaseVersion
}

type storedCheckpoint struct {
	Version    int         `json:"version"`
	Checkpoint *Checkpoint `json:"checkpoint"`
	Checksum   string      `json:"checksum"`
}

func checksum(c *Checkpoint) (string, error) {
	data, err := json.Marshal(struct {
		Version    int         `json:"version"`
		Checkpoint *Checkpoint `json:"checkpoint"`
	}{checkpointVersion, c})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SaveCheckpoint writes c into dir atomically.
func SaveCheckpoint(dir string, c *Checkpoint) error {
	sum, err := checksum(c)
	if err != nil {
		return fmt.Errorf("checksum checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(storedCheckpoint{Version: checkpointVersion, Checkpoint: c, Checksum: sum}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, releasefiles.Checkpoint)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	ok = true
	return nil
}

// LoadCheckpoint reads the checkpoint of dir. A missing file yields nil, nil.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, releasefiles.Checkpoint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var sc storedCheckpoint
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if sc.Version != checkpointVersion || sc.Checkpoint == nil {
		return nil, fmt.Errorf("unsupported checkpoint version %d", sc.Version)
	}
	want, err := checksum(sc.Checkpoint)
	if err != nil {
		return nil, err
	}
	if want != sc.Checksum {
		return nil, ErrCheckpointCorrupt
	}
	if sc.Checkpoint.Completed == nil {
		sc.Checkpoint.Completed = make(map[Step]time.Time)
	}
	return sc.Checkpoint, nil
}
