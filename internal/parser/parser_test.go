package parser

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

// stageDirectoryRun writes a two-sample directory-layout package and returns its path.
func stageDirectoryRun(t *testing.T, prepared bool) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "0b6f0c3e-2c1d-4b7e-9a53-8c1f2d3e4a5b")
	reads := map[string][]byte{
		"S1_R1.fastq.gz": []byte("@r1\nACGT\n+\nIIII\n"),
		"S1_R2.fastq.gz": []byte("@r2\nTGCA\n+\nIIII\n"),
		"S2_R1.fastq.gz": []byte("@r3\nGGGG\n+\nIIII\n"),
	}
	for name, content := range reads {
		writeFile(t, filepath.Join(dir, name), content)
	}
	writeFile(t, filepath.Join(dir, sampleListFilename), []byte(
		"[Data]\n"+
			"Sample_Name,Project_ID,File_Forward,File_Reverse\n"+
			"S1,12,S1_R1.fastq.gz,S1_R2.fastq.gz\n"+
			"S2,12,S2_R1.fastq.gz,\n"))
	if prepared {
		doc := map[string]any{
			"upload_id": filepath.Base(dir),
			"libraries": []map[string]any{
				{"library_id": "S1", "fastq_forward_md5": md5Hex(reads["S1_R1.fastq.gz"]), "fastq_reverse_md5": md5Hex(reads["S1_R2.fastq.gz"])},
				{"library_id": "S2", "fastq_forward_md5": md5Hex(reads["S2_R1.fastq.gz"]), "fastq_reverse_md5": nil},
			},
		}
		b, err := json.Marshal(doc)
		require.NoError(t, err)
		writeFile(t, filepath.Join(dir, uploadPreparedFilename), b)
	}
	return dir
}

func TestDirectoryParserParsesPreparedRun(t *testing.T) {
	t.Parallel()

	dir := stageDirectoryRun(t, true)
	m, err := NewDirectoryParser().Parse(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(dir), m.RunID)
	assert.Equal(t, "directory", m.Parser)
	require.Len(t, m.Samples, 2)
	assert.Equal(t, "S1", m.Samples[0].Name)
	assert.Equal(t, "12", m.Samples[0].ProjectID)
	assert.Len(t, m.Samples[0].Files, 2)
	assert.Len(t, m.Samples[1].Files, 1)
	assert.Equal(t, 3, m.FileCount())
	assert.Equal(t, []string{"12"}, m.Projects())
	assert.Equal(t, filepath.Base(dir), m.Metadata["upload_id"])
	assert.Equal(t, "2", m.Metadata["sample_count"])
	assert.Len(t, m.Fingerprint, 64)
}

func TestDirectoryParserNotReadyWithoutPreparedMarker(t *testing.T) {
	t.Parallel()

	dir := stageDirectoryRun(t, false)
	_, err := NewDirectoryParser().Parse(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDirectoryParserNotReadyOnChecksumMismatch(t *testing.T) {
	t.Parallel()

	dir := stageDirectoryRun(t, true)
	writeFile(t, filepath.Join(dir, "S2_R1.fastq.gz"), []byte("@r3\nGG"))

	_, err := NewDirectoryParser().Parse(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDirectoryParserRejectsBadSampleList(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing data header": "Sample_Name,Project_ID,File_Forward,File_Reverse\nS1,12,S1_R1.fastq.gz,\n",
		"missing column":      "[Data]\nSample_Name,File_Forward,File_Reverse\nS1,S1_R1.fastq.gz,\n",
		"missing project":     "[Data]\nSample_Name,Project_ID,File_Forward,File_Reverse\nS1,,S1_R1.fastq.gz,\n",
		"duplicate sample":    "[Data]\nSample_Name,Project_ID,File_Forward,File_Reverse\nS1,12,S1_R1.fastq.gz,\nS1,12,S1_R1.fastq.gz,\n",
		"no samples":          "[Data]\nSample_Name,Project_ID,File_Forward,File_Reverse\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := stageDirectoryRun(t, true)
			writeFile(t, filepath.Join(dir, sampleListFilename), []byte(content))
			_, err := NewDirectoryParser().Parse(context.Background(), dir)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestDirectoryParserAcceptsQuotedHeader(t *testing.T) {
	t.Parallel()

	dir := stageDirectoryRun(t, true)
	writeFile(t, filepath.Join(dir, sampleListFilename), []byte(
		"\"[Data]\",,,\n"+
			"Sample_Name,Project_ID,File_Forward,File_Reverse\n"+
			"S1,12,S1_R1.fastq.gz,S1_R2.fastq.gz\n"+
			"S2,12,S2_R1.fastq.gz,\n"))
	_, err := NewDirectoryParser().Parse(context.Background(), dir)
	assert.NoError(t, err)
}

func TestFingerprintIsStableAcrossOrder(t *testing.T) {
	t.Parallel()

	a := []Sample{
		{Name: "S1", ProjectID: "1", Files: []File{{Name: "a", Size: 1, MD5: "x"}}},
		{Name: "S2", ProjectID: "1", Files: []File{{Name: "b", Size: 2, MD5: "y"}}},
	}
	b := []Sample{a[1], a[0]}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := []Sample{a[0], {Name: "S2", ProjectID: "1", Files: []File{{Name: "b", Size: 2, MD5: "z"}}}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func stageMiSeqRun(t *testing.T, completed bool) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "240101_M01234_0001_000000000-ABCDE")
	writeFile(t, filepath.Join(dir, sampleSheetFilename), []byte(
		"[Header]\n"+
			"IEMFileVersion,4\n"+
			"Experiment Name,covid-batch-7\n"+
			"Workflow,GenerateFASTQ\n"+
			"\n"+
			"[Reads]\n151\n151\n"+
			"[Data]\n"+
			"Sample_ID,Sample_Name,Sample_Plate,Sample_Project\n"+
			"1,sampleA,,5\n"+
			"2,,,5\n"))
	calls := filepath.Join(dir, "Data", "Intensities", "BaseCalls")
	writeFile(t, filepath.Join(calls, "sampleA_S1_L001_R1_001.fastq.gz"), []byte("a1"))
	writeFile(t, filepath.Join(calls, "sampleA_S1_L001_R2_001.fastq.gz"), []byte("a2"))
	writeFile(t, filepath.Join(calls, "2_S2_L001_R1_001.fastq.gz"), []byte("b1"))
	if completed {
		writeFile(t, filepath.Join(dir, completedJobInfoFilename), []byte("<CompletedJobInfo/>"))
	}
	return dir
}

func TestMiSeqParserParsesCompletedRun(t *testing.T) {
	t.Parallel()

	dir := stageMiSeqRun(t, true)
	m, err := NewMiSeqParser().Parse(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, m.Samples, 2)
	assert.Equal(t, "sampleA", m.Samples[0].Name)
	assert.Len(t, m.Samples[0].Files, 2)
	assert.Equal(t, "2", m.Samples[1].Name, "falls back to Sample_ID")
	assert.Len(t, m.Samples[1].Files, 1)
	assert.Equal(t, "covid-batch-7", m.Metadata["Experiment Name"])
	assert.Equal(t, "GenerateFASTQ", m.Metadata["Workflow"])
}

func TestMiSeqParserNotReadyUntilCompleted(t *testing.T) {
	t.Parallel()

	dir := stageMiSeqRun(t, false)
	_, err := NewMiSeqParser().Parse(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestMiSeqParserMissingReads(t *testing.T) {
	t.Parallel()

	dir := stageMiSeqRun(t, true)
	require.NoError(t, os.Remove(filepath.Join(dir, "Data", "Intensities", "BaseCalls", "2_S2_L001_R1_001.fastq.gz")))
	_, err := NewMiSeqParser().Parse(context.Background(), dir)
	assert.ErrorIs(t, err, ErrParse)
}

func TestMiSeqParserSeparatesOverlappingSampleNames(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "240102_M01234_0002_000000000-FGHIJ")
	writeFile(t, filepath.Join(dir, completedJobInfoFilename), []byte("<CompletedJobInfo/>"))
	writeFile(t, filepath.Join(dir, sampleSheetFilename), []byte(
		"[Data]\n"+
			"Sample_ID,Sample_Name,Sample_Project\n"+
			"1,S1,5\n"+
			"2,S1_S2,5\n"+
			"3,mix[1]*,5\n"))
	calls := filepath.Join(dir, "Data", "Intensities", "BaseCalls")
	writeFile(t, filepath.Join(calls, "S1_S1_L001_R1_001.fastq.gz"), []byte("a1"))
	writeFile(t, filepath.Join(calls, "S1_S2_S2_L001_R1_001.fastq.gz"), []byte("b1"))
	writeFile(t, filepath.Join(calls, "S1_S2_S2_L001_R2_001.fastq.gz"), []byte("b2"))
	writeFile(t, filepath.Join(calls, "mix[1]*_S3_L001_R1_001.fastq.gz"), []byte("c1"))
	writeFile(t, filepath.Join(calls, "mix1x_S4_L001_R1_001.fastq.gz"), []byte("decoy"))
	writeFile(t, filepath.Join(calls, "S1_S1_L001_R1_001.fastq.gz.md5"), []byte("noise"))

	m, err := NewMiSeqParser().Parse(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, m.Samples, 3)

	assert.Equal(t, "S1", m.Samples[0].Name)
	require.Len(t, m.Samples[0].Files, 1)
	assert.Equal(t, "S1_S1_L001_R1_001.fastq.gz", m.Samples[0].Files[0].Name)

	assert.Equal(t, "S1_S2", m.Samples[1].Name)
	require.Len(t, m.Samples[1].Files, 2)
	assert.Equal(t, "S1_S2_S2_L001_R2_001.fastq.gz", m.Samples[1].Files[1].Name)

	require.Len(t, m.Samples[2].Files, 1)
	assert.Equal(t, "mix[1]*_S3_L001_R1_001.fastq.gz", m.Samples[2].Files[0].Name)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	assert.Equal(t, []string{"directory", "miseq"}, r.Names())

	p, ok := r.Get("miseq")
	require.True(t, ok)
	assert.Equal(t, "miseq", p.Name())

	_, ok = r.Get("nextseq")
	assert.False(t, ok)

	assert.Error(t, r.Register(NewDirectoryParser()))
}
