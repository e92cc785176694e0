// Package archive packs and unpacks the plain (ungzipped) tar archives
// used to move task inputs and outputs to and from a device, matching
// the on-device side's tar invocation exactly.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/basalt-run/fleetrun/pkg/config"
)

// PackInput builds a tar at dstTar containing every path in files plus
// the cache directory's sentinel file, so an empty input list still
// produces a non-empty, extractable archive.
func PackInput(cfg config.Config, files []string, dstTar string) error {
	out, err := os.Create(dstTar)
	if err != nil {
		return err
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	all := append([]string{cfg.EmptyFilePath()}, files...)
	for _, path := range all {
		if err := addToTar(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToTar(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// UnpackOutput extracts srcTar into destDir, skipping the sentinel file
// the same way the original CLI's `tar xf ... --exclude __empty.txt` did.
func UnpackOutput(srcTar, destDir string) error {
	f, err := os.Open(srcTar)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if filepath.Base(hdr.Name) == config.EmptyFilename() {
			continue
		}

		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
