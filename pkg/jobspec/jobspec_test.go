package jobspec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	artifact = "/data/out/ct.nii.gz"
	outRoot  = "/data/out"
)

func TestBuildSkellytour(t *testing.T) {
	inv, err := Build(Skellytour{Quality: QualityMedium, Device: DeviceCPU}, artifact, outRoot)
	require.NoError(t, err)

	assert.Equal(t, "skellytour", inv.Command)
	assert.Equal(t, []string{
		"-i", artifact,
		"-o", outRoot,
		"-m", "medium",
		"-d", "cpu",
		"--overwrite",
	}, inv.Args)
	assert.Equal(t, outRoot, inv.OutputDir)
	assert.True(t, inv.SharedOutput)
	assert.Equal(t, "skellytour -i /data/out/ct.nii.gz -o /data/out -m medium -d cpu --overwrite", inv.String())
}

func TestBuildTotalSegmentator(t *testing.T) {
	inv, err := Build(TotalSegmentator{Task: "total"}, artifact, outRoot)
	require.NoError(t, err)

	want := filepath.Join(outRoot, "segmentations_total")
	assert.Equal(t, "TotalSegmentator", inv.Command)
	assert.Equal(t, []string{"-i", artifact, "-o", want, "-ta", "total"}, inv.Args)
	assert.Equal(t, want, inv.OutputDir)
	assert.False(t, inv.SharedOutput)
}

func TestBuilderOverrides(t *testing.T) {
	b := Builder{
		SkellytourCommand:         "/opt/bin/skellytour",
		TotalSegmentatorCommand:   "ts",
		TotalSegmentatorExtraArgs: []string{"--fast"},
	}

	inv, err := b.Build(Skellytour{Quality: QualityHigh, Device: DeviceGPU}, artifact, outRoot)
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/skellytour", inv.Command)

	inv, err = b.Build(TotalSegmentator{Task: "body"}, artifact, outRoot)
	require.NoError(t, err)
	assert.Equal(t, "ts", inv.Command)
	assert.Equal(t, "--fast", inv.Args[len(inv.Args)-1])
}

func TestBuildRejectsInvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		art    string
		root   string
	}{
		{name: "nil method", method: nil, art: artifact, root: outRoot},
		{name: "unknown task", method: TotalSegmentator{Task: "kidneys_please"}, art: artifact, root: outRoot},
		{name: "group header as task", method: TotalSegmentator{Task: "--- CT (default) ---"}, art: artifact, root: outRoot},
		{name: "bad quality", method: Skellytour{Quality: "ultra", Device: DeviceCPU}, art: artifact, root: outRoot},
		{name: "bad device", method: Skellytour{Quality: QualityLow, Device: "tpu"}, art: artifact, root: outRoot},
		{name: "uppercase tier", method: Skellytour{Quality: "LOW", Device: DeviceCPU}, art: artifact, root: outRoot},
		{name: "missing artifact", method: TotalSegmentator{Task: "total"}, art: "", root: outRoot},
		{name: "missing output", method: TotalSegmentator{Task: "total"}, art: artifact, root: ""},
		{name: "pointer variant", method: &Skellytour{Quality: QualityLow, Device: DeviceCPU}, art: artifact, root: outRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.method, tt.art, tt.root)
			assert.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("Skellytour", "HIGH", " gpu ", "ignored")
	require.NoError(t, err)
	assert.Equal(t, Skellytour{Quality: QualityHigh, Device: DeviceGPU}, m)

	m, err = ParseMethod("totalsegmentator", "bogus", "bogus", "liver_segments")
	require.NoError(t, err)
	assert.Equal(t, TotalSegmentator{Task: "liver_segments"}, m)

	_, err = ParseMethod("nnunet", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = ParseMethod("skellytour", "medium", "npu", "")
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = ParseMethod("totalsegmentator", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestCatalog(t *testing.T) {
	tasks := Tasks()
	assert.Len(t, tasks, 24+8+5)
	assert.Equal(t, "total", tasks[0])

	groups := TaskGroups()
	require.Len(t, groups, 3)
	groups[0].Tasks[0] = "mutated"
	assert.Equal(t, "total", TaskGroups()[0].Tasks[0])

	assert.True(t, IsMRTask("total_mr"))
	assert.False(t, IsMRTask("total"))
	for _, task := range tasks {
		assert.True(t, IsSupportedTask(task), task)
	}
}

func TestBuildCatalogProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		task := rapid.SampledFrom(Tasks()).Draw(t, "task")
		root := "/" + rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,3}`).Draw(t, "root")

		inv, err := Build(TotalSegmentator{Task: task}, filepath.Join(root, "ct.nii.gz"), root)
		if err != nil {
			t.Fatalf("catalog task %q rejected: %v", task, err)
		}
		if inv.OutputDir != filepath.Join(root, "segmentations_"+task) {
			t.Fatalf("output dir %q for task %q", inv.OutputDir, task)
		}
		if inv.Args[len(inv.Args)-1] != task {
			t.Fatalf("task is not the last argument: %v", inv.Args)
		}
	})
}

func TestBuildRejectsUnknownTasksProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		task := rapid.String().Draw(t, "task")
		_, err := Build(TotalSegmentator{Task: task}, artifact, outRoot)
		if IsSupportedTask(task) != (err == nil) {
			t.Fatalf("task %q: supported=%v err=%v", task, IsSupportedTask(task), err)
		}
	})
}

func TestBuildSkellytourProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := Quality(rapid.SampledFrom([]string{"low", "medium", "high", "max", ""}).Draw(t, "quality"))
		d := Device(rapid.SampledFrom([]string{"gpu", "cpu", "mps", ""}).Draw(t, "device"))

		inv, err := Build(Skellytour{Quality: q, Device: d}, artifact, outRoot)
		valid := (q == QualityLow || q == QualityMedium || q == QualityHigh) && (d == DeviceGPU || d == DeviceCPU)
		if valid != (err == nil) {
			t.Fatalf("quality=%q device=%q err=%v", q, d, err)
		}
		if valid && (inv.Args[5] != string(q) || inv.Args[7] != string(d)) {
			t.Fatalf("flags not passed through: %v", inv.Args)
		}
	})
}
