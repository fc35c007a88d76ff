package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	sampleListFilename     = "SampleList.csv"
	uploadPreparedFilename = "upload_prepared.json"
)

// DirectoryParser reads a flat directory of fastq files described by a
// SampleList.csv. The package is ready once upload_prepared.json exists and
// every checksum it lists matches the file on disk.
type DirectoryParser struct{}

// NewDirectoryParser returns the "directory" parser.
func NewDirectoryParser() *DirectoryParser { return &DirectoryParser{} }

func (p *DirectoryParser) Name() string { return "directory" }

type uploadPrepared struct {
	Libraries []preparedLibrary `json:"libraries"`
}

type preparedLibrary struct {
	LibraryID       string `json:"library_id"`
	FastqForwardMD5 string `json:"fastq_forward_md5"`
	FastqReverseMD5 string `json:"fastq_reverse_md5"`
}

type sampleListRow struct {
	name, project, forward, reverse string
}

func (p *DirectoryParser) Parse(ctx context.Context, dir string) (*Manifest, error) {
	preparedPath := filepath.Join(dir, uploadPreparedFilename)
	sampleListPath := filepath.Join(dir, sampleListFilename)
	for _, required := range []string{preparedPath, sampleListPath} {
		if _, err := os.Stat(required); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s missing", ErrNotReady, filepath.Base(required))
			}
			return nil, fmt.Errorf("%w: stat %s: %v", ErrParse, required, err)
		}
	}

	prepared, metadata, err := readUploadPrepared(preparedPath)
	if err != nil {
		return nil, err
	}
	rows, err := readSampleList(sampleListPath)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(rows))
	samples := make([]Sample, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := Sample{Name: row.name, ProjectID: row.project}
		for _, name := range []string{row.forward, row.reverse} {
			if name == "" {
				continue
			}
			f, err := statFile(dir, name)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("%w: sample %s: %s not present yet", ErrNotReady, row.name, name)
				}
				return nil, fmt.Errorf("%w: sample %s: %v", ErrParse, row.name, err)
			}
			s.Files = append(s.Files, f)
		}
		byName[row.name] = len(samples)
		samples = append(samples, s)
	}

	for _, lib := range prepared.Libraries {
		idx, ok := byName[lib.LibraryID]
		if !ok {
			return nil, fmt.Errorf("%w: %s lists library %q absent from %s",
				ErrParse, uploadPreparedFilename, lib.LibraryID, sampleListFilename)
		}
		files := samples[idx].Files
		expect := []string{lib.FastqForwardMD5, lib.FastqReverseMD5}
		for i, want := range expect {
			if i >= len(files) {
				break
			}
			if want == "" {
				continue
			}
			if !strings.EqualFold(files[i].MD5, want) {
				return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrNotReady, files[i].Name)
			}
		}
	}

	metadata["sample_count"] = fmt.Sprint(len(samples))
	return &Manifest{
		RunID:       filepath.Base(dir),
		Path:        dir,
		Parser:      p.Name(),
		Samples:     samples,
		Metadata:    metadata,
		Fingerprint: Fingerprint(samples),
	}, nil
}

// readUploadPrepared decodes upload_prepared.json. Top-level string fields
// other than libraries are carried into the manifest metadata.
func readUploadPrepared(path string) (*uploadPrepared, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrParse, path, err)
	}
	var prepared uploadPrepared
	if err := json.Unmarshal(data, &prepared); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %v", ErrParse, uploadPreparedFilename, err)
	}
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(data, &raw)

	metadata := make(map[string]string)
	for k, v := range raw {
		var s string
		if k != "libraries" && json.Unmarshal(v, &s) == nil {
			metadata[k] = s
		}
	}
	return &prepared, metadata, nil
}

// readSampleList parses SampleList.csv: a "[Data]" line followed by a CSV
// table with Sample_Name, Project_ID, File_Forward and File_Reverse columns.
func readSampleList(path string) ([]sampleListRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrParse, path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read %s: %v", ErrParse, sampleListFilename, err)
	}
	first = strings.NewReplacer(`"`, "", `'`, "").Replace(strings.TrimSpace(strings.TrimPrefix(first, "\ufeff")))
	first = strings.TrimRight(first, ",")
	if first != "[Data]" {
		return nil, fmt.Errorf("%w: %s must start with [Data] (got %q)", ErrParse, sampleListFilename, first)
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, sampleListFilename, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header row", ErrParse, sampleListFilename)
	}

	cols, err := columnIndex(records[0], "Sample_Name", "Project_ID", "File_Forward", "File_Reverse")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, sampleListFilename, err)
	}

	var rows []sampleListRow
	seen := make(map[string]struct{})
	for i, rec := range records[1:] {
		if isBlankRecord(rec) {
			continue
		}
		row := sampleListRow{
			name:    field(rec, cols["Sample_Name"]),
			project: field(rec, cols["Project_ID"]),
			forward: field(rec, cols["File_Forward"]),
			reverse: field(rec, cols["File_Reverse"]),
		}
		if row.name == "" || row.project == "" || row.forward == "" {
			return nil, fmt.Errorf("%w: %s row %d: Sample_Name, Project_ID and File_Forward are required",
				ErrParse, sampleListFilename, i+2)
		}
		if _, dup := seen[row.name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate sample %q", ErrParse, sampleListFilename, row.name)
		}
		seen[row.name] = struct{}{}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s lists no samples", ErrParse, sampleListFilename)
	}
	return rows, nil
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("missing column %s", name)
		}
	}
	return idx, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
