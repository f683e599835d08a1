package imagery

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"himawari-mosaic/internal/common"
)

// Assembler writes the final mosaic from downloaded tiles
type Assembler struct {
	fs         afero.Fs
	compositor Compositor
	log        *slog.Logger
}

// NewAssembler creates an assembler; a nil compositor selects DrawCompositor
func NewAssembler(fs afero.Fs, compositor Compositor, log *slog.Logger) *Assembler {
	if compositor == nil {
		compositor = DrawCompositor{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Assembler{
		fs:         fs,
		compositor: compositor,
		log:        log,
	}
}

// Assemble writes tiles to outputPath on a width x height canvas.
// A single tile is moved into place as-is. Otherwise the compositor writes a
// provisional sibling file that is renamed over outputPath only on success.
// Errors are returned as *common.AssemblyError.
func (a *Assembler) Assemble(tiles []PlacedTile, width, height int, outputPath string) error {
	if len(tiles) == 0 {
		return &common.AssemblyError{Output: outputPath, Err: common.ErrNoTiles}
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := a.fs.MkdirAll(dir, 0755); err != nil {
			return &common.AssemblyError{Output: outputPath, Err: fmt.Errorf("failed to create output directory: %w", err)}
		}
	}

	if len(tiles) == 1 {
		a.log.Debug("Single tile, moving into place", slog.String("tile", tiles[0].Path), slog.String("output", outputPath))
		if err := moveFile(a.fs, tiles[0].Path, outputPath); err != nil {
			return &common.AssemblyError{Output: outputPath, Err: err}
		}
		return nil
	}

	a.log.Debug("Stitching images together",
		slog.Int("tiles", len(tiles)),
		slog.Int("width", width),
		slog.Int("height", height))

	provisional := filepath.Join(filepath.Dir(outputPath), fmt.Sprintf(".%s.%s.part", filepath.Base(outputPath), uuid.NewString()))
	if err := a.compose(tiles, width, height, provisional, FormatForPath(outputPath)); err != nil {
		_ = a.fs.Remove(provisional)
		return &common.AssemblyError{Output: outputPath, Err: err}
	}

	if err := a.fs.Rename(provisional, outputPath); err != nil {
		_ = a.fs.Remove(provisional)
		return &common.AssemblyError{Output: outputPath, Err: fmt.Errorf("failed to move mosaic into place: %w", err)}
	}
	return nil
}

func (a *Assembler) compose(tiles []PlacedTile, width, height int, path string, format Format) error {
	f, err := a.fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := a.compositor.Compose(a.fs, tiles, width, height, f, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy and remove when the
// rename crosses filesystems
func moveFile(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}

	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open tile: %w", err)
	}
	defer in.Close()

	tmp := dst + ".part-" + uuid.NewString()
	out, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to copy tile: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}
	return fs.Remove(src)
}
