package diagnostics

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/blakesmith/ar"
	"gopkg.in/yaml.v2"
)

// A BundleFile is one member of a diagnostics bundle.
type BundleFile struct {
	Name string // at most 16 bytes, the limit of the ar format
	Data []byte
}

// WriteBundle writes the files as a Unix ar archive, the format the board
// tooling already uses for firmware libraries.
func WriteBundle(w io.Writer, files []BundleFile, modTime time.Time) error {
	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return err
	}
	for _, f := range files {
		if len(f.Name) > 16 {
			return fmt.Errorf("diagnostics: bundle member name %q longer than 16 bytes", f.Name)
		}
		hdr := &ar.Header{
			Name:    f.Name,
			ModTime: modTime,
			Mode:    0o644,
			Size:    int64(len(f.Data)),
		}
		if err := aw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := aw.Write(f.Data); err != nil {
			return err
		}
	}
	return nil
}

// ReadBundle reads back an archive written by WriteBundle.
func ReadBundle(r io.Reader) ([]BundleFile, error) {
	rd := ar.NewReader(r)
	var files []BundleFile
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, err
		}
		files = append(files, BundleFile{Name: hdr.Name, Data: data})
	}
}

// ReportFiles renders events as the report and events members of a bundle.
func ReportFiles(events []Event) ([]BundleFile, error) {
	var report bytes.Buffer
	CreateReport(events).WriteTo(&report, false)
	raw, err := yaml.Marshal(events)
	if err != nil {
		return nil, err
	}
	return []BundleFile{
		{Name: "report.txt", Data: report.Bytes()},
		{Name: "events.yaml", Data: raw},
	}, nil
}
