package bids

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidsdeface/internal/faults"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func seeded(seed uint64) *Discoverer {
	return &Discoverer{Rand: rand.New(rand.NewPCG(seed, seed)), Logger: zerolog.Nop()}
}

func TestDiscover_PrimaryIsLatestAcquisition(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "ses-01", "anat")
	writeFile(t, filepath.Join(anat, "sub-01_ses-01_run-1_T1w.json"), `{"AcquisitionTime": "10:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_ses-01_run-1_T1w.nii.gz"), "a")
	writeFile(t, filepath.Join(anat, "sub-01_ses-01_run-2_T1w.json"), `{"AcquisitionTime": "11:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_ses-01_run-2_T1w.nii.gz"), "b")
	writeFile(t, filepath.Join(anat, "sub-01_ses-01_T2w.nii.gz"), "c")

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, inv.Units, 1)

	want := Unit{
		Key:     WithSession("01", "01"),
		Primary: filepath.Join(anat, "sub-01_ses-01_run-2_T1w.nii.gz"),
		Others: []string{
			filepath.Join(anat, "sub-01_ses-01_T2w.nii.gz"),
			filepath.Join(anat, "sub-01_ses-01_run-1_T1w.nii.gz"),
		},
	}
	if diff := cmp.Diff(want, inv.Units[0]); diff != "" {
		t.Fatalf("unit mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, inv.AnatSessions)
	assert.Equal(t, []SessionKey{WithSession("01", "01")}, inv.WithT1w)
}

func TestDiscover_SelectionIsDeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	// Ties on time are broken by path; AcquisitionDateTime is the fallback field.
	writeFile(t, filepath.Join(anat, "sub-01_acq-b_T1w.json"), `{"AcquisitionDateTime": "2020-01-01T10:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_acq-b_T1w.nii"), "b")
	writeFile(t, filepath.Join(anat, "sub-01_acq-a_T1w.json"), `{"AcquisitionDateTime": "2020-01-01T10:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_acq-a_T1w.nii.gz"), "a")

	for seed := uint64(0); seed < 5; seed++ {
		inv, err := seeded(seed).Discover(context.Background(), root)
		require.NoError(t, err)
		require.Len(t, inv.Units, 1)
		assert.Equal(t, filepath.Join(anat, "sub-01_acq-a_T1w.nii.gz"), inv.Units[0].Primary)
		assert.Equal(t, WithoutSession("01"), inv.Units[0].Key)
	}
}

func TestDiscover_AcquisitionTimePreferredOverDateTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x_T1w.json")
	writeFile(t, path, `{"AcquisitionDateTime": "2020-01-01T23:00:00", "AcquisitionTime": "01:00:00"}`)
	when, ok, err := ReadAcquisitionTime(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "01:00:00", when)
}

func TestDiscover_OnlyTimestampedSidecarsCompete(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	writeFile(t, filepath.Join(anat, "sub-01_run-1_T1w.json"), `{}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-1_T1w.nii.gz"), "1")
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.json"), `{"AcquisitionTime": "08:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.nii.gz"), "2")

	inv, err := seeded(3).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, inv.Units, 1)
	assert.Equal(t, filepath.Join(anat, "sub-01_run-2_T1w.nii.gz"), inv.Units[0].Primary)
}

func TestDiscover_NoMetadataFallsBackToSomeT1w(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	var images []string
	for _, run := range []string{"1", "2", "3"} {
		writeFile(t, filepath.Join(anat, "sub-01_run-"+run+"_T1w.json"), `{"RepetitionTime": 2.3}`)
		img := filepath.Join(anat, "sub-01_run-"+run+"_T1w.nii.gz")
		writeFile(t, img, run)
		images = append(images, img)
	}

	for seed := uint64(0); seed < 10; seed++ {
		inv, err := seeded(seed).Discover(context.Background(), root)
		require.NoError(t, err)
		require.Len(t, inv.Units, 1)
		u := inv.Units[0]
		assert.Contains(t, images, u.Primary)
		assert.NotContains(t, u.Others, u.Primary)
		assert.Len(t, u.Others, 2)
	}
}

func TestDiscover_MissingImageFailsOnlyThatUnit(t *testing.T) {
	root := t.TempDir()
	broken := filepath.Join(root, "sub-01", "ses-01", "anat")
	writeFile(t, filepath.Join(broken, "sub-01_ses-01_T1w.json"), `{"AcquisitionTime": "10:00:00"}`)
	writeFile(t, filepath.Join(broken, "sub-01_ses-01_T2w.nii.gz"), "t2")

	fine := filepath.Join(root, "sub-01", "ses-02", "anat")
	writeFile(t, filepath.Join(fine, "sub-01_ses-02_T1w.json"), `{"AcquisitionTime": "10:00:00"}`)
	writeFile(t, filepath.Join(fine, "sub-01_ses-02_T1w.nii.gz"), "t1")

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, inv.Failures, 1)
	var integrity *faults.DataIntegrityError
	require.True(t, errors.As(inv.Failures[0], &integrity))
	assert.Equal(t, "sub-01/ses-01", integrity.Unit)

	require.Len(t, inv.Units, 1)
	assert.Equal(t, WithSession("01", "02"), inv.Units[0].Key)
}

func TestDiscover_AnyT1wWithoutImageFailsTheUnit(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	writeFile(t, filepath.Join(anat, "sub-01_run-1_T1w.json"), `{"AcquisitionTime": "08:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.json"), `{"AcquisitionTime": "09:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.nii.gz"), "2")

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, inv.Units)
	require.Len(t, inv.Failures, 1)
	var integrity *faults.DataIntegrityError
	require.True(t, errors.As(inv.Failures[0], &integrity))
	assert.Equal(t, "sub-01", integrity.Unit)
	assert.Equal(t, filepath.Join(anat, "sub-01_run-1_T1w.json"), integrity.Path)
}

func TestDiscover_NullAcquisitionTimeFallsBackToDateTime(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"null_T1w.json":  `{"AcquisitionTime": null, "AcquisitionDateTime": "2020-01-01T09:00:00"}`,
		"blank_T1w.json": `{"AcquisitionTime": "  ", "AcquisitionDateTime": "2020-01-01T09:00:00"}`,
	} {
		path := filepath.Join(dir, name)
		writeFile(t, path, body)
		when, ok, err := ReadAcquisitionTime(path)
		require.NoError(t, err)
		assert.True(t, ok, name)
		assert.Equal(t, "2020-01-01T09:00:00", when, name)
	}

	path := filepath.Join(dir, "none_T1w.json")
	writeFile(t, path, `{"AcquisitionTime": null}`)
	_, ok, err := ReadAcquisitionTime(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscover_CandidatesCarryAcquisitionTime(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	writeFile(t, filepath.Join(anat, "sub-01_run-1_T1w.json"), `{"AcquisitionTime": null, "AcquisitionDateTime": "2021-05-05T12:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-1_T1w.nii.gz"), "1")
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.json"), `{"AcquisitionDateTime": "2021-05-05T11:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_run-2_T1w.nii.gz"), "2")

	got := seeded(1).selectPrimary(WithoutSession("01"), []Scan{
		{Path: filepath.Join(anat, "sub-01_run-2_T1w.nii.gz"), AcquisitionTime: "2021-05-05T11:00:00"},
		{Path: filepath.Join(anat, "sub-01_run-1_T1w.nii.gz"), AcquisitionTime: "2021-05-05T12:00:00"},
	})
	assert.Equal(t, "2021-05-05T12:00:00", got.AcquisitionTime)

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, inv.Units, 1)
	assert.Equal(t, filepath.Join(anat, "sub-01_run-1_T1w.nii.gz"), inv.Units[0].Primary)
}

func TestDiscover_OnlyNiftiFilesAreImages(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-01", "anat")
	writeFile(t, filepath.Join(anat, "sub-01_T1w.json"), `{"AcquisitionTime": "08:00:00"}`)
	writeFile(t, filepath.Join(anat, "sub-01_T1w.nii.gz"), "t1")
	writeFile(t, filepath.Join(anat, "sub-01_T2w.nii.bak"), "old")
	writeFile(t, filepath.Join(anat, "sub-01_T2w.nii.gz.md5"), "sum")
	writeFile(t, filepath.Join(anat, "sub-01_FLAIR.nii"), "fl")

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, inv.Units, 1)
	assert.Equal(t, []string{filepath.Join(anat, "sub-01_FLAIR.nii")}, inv.Units[0].Others)
}

func TestDiscover_NoT1wMeansEmptyPrimaryAndAllOthers(t *testing.T) {
	root := t.TempDir()
	anat := filepath.Join(root, "sub-02", "anat")
	writeFile(t, filepath.Join(anat, "sub-02_T2w.nii.gz"), "t2")
	writeFile(t, filepath.Join(anat, "sub-02_FLAIR.nii"), "fl")
	writeFile(t, filepath.Join(anat, "sub-02_T2w.json"), `{}`)

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, inv.Units, 1)
	assert.Empty(t, inv.Units[0].Primary)
	assert.Equal(t, []string{
		filepath.Join(anat, "sub-02_FLAIR.nii"),
		filepath.Join(anat, "sub-02_T2w.nii.gz"),
	}, inv.Units[0].Others)
	assert.Equal(t, []SessionKey{WithoutSession("02")}, inv.NoPrimary)
}

func TestDiscover_SessionsWithoutAnatAreListed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub-01", "ses-01", "func", "bold.nii.gz"), "f")
	writeFile(t, filepath.Join(root, "participants.tsv"), "participant_id\n")

	inv, err := seeded(1).Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, inv.Units)
	assert.Equal(t, []SessionKey{WithSession("01", "01")}, inv.NoAnat)
	assert.Equal(t, 0, inv.AnatSessions)
}

func TestDiscover_MissingRootIsStructural(t *testing.T) {
	_, err := seeded(1).Discover(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, faults.IsStructural(err))
}
