package provider

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
)

// maxMemberSize bounds how much of a single archive member is read.
const maxMemberSize = 256 << 20

// errMemberNotFound is returned when the archive holds no member by that name.
var errMemberNotFound = errors.New("archive member not found")

// readArchiveMember returns the contents of the regular file whose base name
// is name inside a gzip-compressed tarball. Backends nest the member under a
// job-specific directory, so only the base name is compared.
func readArchiveMember(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, errMemberNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
			continue
		}
		if path.Base(path.Clean(header.Name)) != name {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxMemberSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", header.Name, err)
		}
		if len(data) > maxMemberSize {
			return nil, fmt.Errorf("archive member %s exceeds %d bytes", header.Name, maxMemberSize)
		}
		return data, nil
	}
}
