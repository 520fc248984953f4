package metrics

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile(t *testing.T) {
	r := New("run-1")
	r.ObserveStep("snapshot", 2*time.Second, nil)
	r.ObserveStep("release_job", time.Second, errors.New("boom"))
	r.SkipStep("post_process")
	r.TargetFinished("Completed")
	r.AccountedRS("merged", 3)
	r.ReleasedRS(9913, "GCA_000003055.3", "current_ids", 42)

	dir := t.TempDir()
	path, err := r.WriteFile(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, r.Path(dir, 2), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `release_steps_total{result="ok",run_id="run-1",step="snapshot"} 1`)
	assert.Contains(t, text, `release_steps_total{result="error",run_id="run-1",step="release_job"} 1`)
	assert.Contains(t, text, `release_steps_total{result="skipped",run_id="run-1",step="post_process"} 1`)
	assert.Contains(t, text, `release_targets_total{run_id="run-1",status="Completed"} 1`)
	assert.Contains(t, text, `release_missing_rs_accounted_total{reason="merged",run_id="run-1"} 3`)
	assert.Contains(t, text, `release_released_rs{assembly="GCA_000003055.3",category="current_ids",run_id="run-1",taxonomy="9913"} 42`)
}
