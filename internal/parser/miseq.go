package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	sampleSheetFilename      = "SampleSheet.csv"
	completedJobInfoFilename = "CompletedJobInfo.xml"
	baseCallsDir             = "Data/Intensities/BaseCalls"
)

// MiSeqParser reads an Illumina MiSeq output folder. The run is ready once
// the instrument has written CompletedJobInfo.xml.
type MiSeqParser struct{}

// NewMiSeqParser returns the "miseq" parser.
func NewMiSeqParser() *MiSeqParser { return &MiSeqParser{} }

func (p *MiSeqParser) Name() string { return "miseq" }

func (p *MiSeqParser) Parse(ctx context.Context, dir string) (*Manifest, error) {
	if _, err := os.Stat(filepath.Join(dir, completedJobInfoFilename)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", ErrNotReady, completedJobInfoFilename)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrParse, completedJobInfoFilename, err)
	}

	sections, err := readSampleSheet(filepath.Join(dir, sampleSheetFilename))
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string)
	for _, rec := range sections["Header"] {
		if len(rec) >= 2 && strings.TrimSpace(rec[0]) != "" {
			metadata[strings.TrimSpace(rec[0])] = strings.TrimSpace(rec[1])
		}
	}

	data := sections["Data"]
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %s [Data] section is empty", ErrParse, sampleSheetFilename)
	}
	cols, err := columnIndex(data[0], "Sample_ID", "Sample_Project")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, sampleSheetFilename, err)
	}
	nameCol, hasName := cols["Sample_Name"]

	fastqDir := filepath.Join(dir, filepath.FromSlash(baseCallsDir))
	fastqs, err := listFastqs(fastqDir)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(data)-1)
	for i, rec := range data[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if isBlankRecord(rec) {
			continue
		}
		id := field(rec, cols["Sample_ID"])
		project := field(rec, cols["Sample_Project"])
		name := id
		if hasName && field(rec, nameCol) != "" {
			name = field(rec, nameCol)
		}
		if id == "" || project == "" {
			return nil, fmt.Errorf("%w: %s [Data] row %d: Sample_ID and Sample_Project are required",
				ErrParse, sampleSheetFilename, i+1)
		}

		files, err := miseqReads(fastqDir, fastqs, name)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Name: name, ProjectID: project, Files: files})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s lists no samples", ErrParse, sampleSheetFilename)
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

// listFastqs returns the file names in the BaseCalls directory. A missing
// directory lists as empty and fails per sample.
func listFastqs(fastqDir string) ([]string, error) {
	entries, err := os.ReadDir(fastqDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrParse, baseCallsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() || e.Type()&os.ModeSymlink != 0 {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// miseqReadPattern matches <name>_S<n>_L<lane>_R<read>_<chunk>.fastq.gz for
// exactly this sample name, so sample "S1" never claims "S1_S2_..." files.
func miseqReadPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `_S\d+_L\d+_(R[12])_\d+\.fastq\.gz$`)
}

// miseqReads picks the sample's R1 file and its optional R2 mate.
func miseqReads(fastqDir string, fastqs []string, name string) ([]File, error) {
	re := miseqReadPattern(name)
	byRead := make(map[string][]string)
	for _, fn := range fastqs {
		if m := re.FindStringSubmatch(fn); m != nil {
			byRead[m[1]] = append(byRead[m[1]], fn)
		}
	}

	var files []File
	for _, read := range []string{"R1", "R2"} {
		matches := byRead[read]
		switch {
		case len(matches) == 0 && read == "R1":
			return nil, fmt.Errorf("%w: no %s fastq for sample %s", ErrParse, read, name)
		case len(matches) == 0:
			continue
		case len(matches) > 1:
			return nil, fmt.Errorf("%w: %d %s fastq files for sample %s", ErrParse, len(matches), read, name)
		}
		f, err := statFile("", filepath.Join(fastqDir, matches[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: sample %s: %v", ErrParse, name, err)
		}
		files = append(files, f)
	}
	return files, nil
}

// readSampleSheet splits an Illumina sample sheet into its bracketed
// sections. Each section holds its CSV records in order.
func readSampleSheet(path string) (map[string][][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", ErrParse, sampleSheetFilename)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrParse, path, err)
	}
	defer f.Close()

	sections := make(map[string][][]string)
	current := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("%w: %s: malformed section header %q", ErrParse, sampleSheetFilename, line)
			}
			current = line[1:end]
			continue
		}
		if current == "" {
			return nil, fmt.Errorf("%w: %s: content before first section", ErrParse, sampleSheetFilename)
		}
		r := csv.NewReader(strings.NewReader(line))
		r.FieldsPerRecord = -1
		rec, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %s [%s]: %v", ErrParse, sampleSheetFilename, current, err)
		}
		sections[current] = append(sections[current], rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrParse, sampleSheetFilename, err)
	}
	if _, ok := sections["Data"]; !ok {
		return nil, fmt.Errorf("%w: %s has no [Data] section", ErrParse, sampleSheetFilename)
	}
	return sections, nil
}
