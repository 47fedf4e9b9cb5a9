// Package artifacts owns files on durable storage: uploaded samples, per-run
// working directories, the permanent model tree and generated audio.
// Paths handed to the rest of the system are relative to the storage root.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicejobs/internal/models"
)

const (
	uploadsDir   = "uploads"
	tempDir      = "temp"
	modelsDir    = "models"
	generatedDir = "generated"
)

// FS is the filesystem-backed artifact store.
type FS struct {
	root string
}

// NewFS prepares the storage tree under root.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	for _, dir := range []string{uploadsDir, tempDir, modelsDir, generatedDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute storage root.
func (f *FS) Root() string { return f.root }

// Abs resolves a storage-relative path.
func (f *FS) Abs(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f *FS) rel(abs string) string {
	r, err := filepath.Rel(f.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// WorkDir is the exclusive scratch space of one run.
type WorkDir struct {
	Root      string
	Input     string
	Processed string
	Features  string
	Models    string
	Output    string
}

func workDirName(kind models.Kind, jobID string) string {
	return fmt.Sprintf("%s_%s", kind, jobID)
}

// WorkDirFor returns the layout without touching disk.
func (f *FS) WorkDirFor(kind models.Kind, jobID string) WorkDir {
	root := filepath.Join(f.root, tempDir, workDirName(kind, jobID))
	return WorkDir{
		Root:      root,
		Input:     filepath.Join(root, "input"),
		Processed: filepath.Join(root, "processed"),
		Features:  filepath.Join(root, "features"),
		Models:    filepath.Join(root, "models"),
		Output:    filepath.Join(root, "output"),
	}
}

// CreateWorkDir creates a fresh working directory, discarding leftovers from an earlier run.
func (f *FS) CreateWorkDir(kind models.Kind, jobID string) (WorkDir, error) {
	wd := f.WorkDirFor(kind, jobID)
	if err := os.RemoveAll(wd.Root); err != nil {
		return WorkDir{}, fmt.Errorf("reset work dir: %w", err)
	}
	for _, dir := range []string{wd.Input, wd.Processed, wd.Features, wd.Models, wd.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WorkDir{}, fmt.Errorf("create work dir: %w", err)
		}
	}
	return wd, nil
}

// RemoveWorkDir deletes a run's working directory; a missing directory is not an error.
func (f *FS) RemoveWorkDir(kind models.Kind, jobID string) error {
	if err := os.RemoveAll(f.WorkDirFor(kind, jobID).Root); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}

// ModelFiles are the three files a trained model consists of.
type ModelFiles struct {
	Weights string
	Config  string
	Index   string
}

func (m ModelFiles) list() []string {
	return []string{m.Weights, m.Config, m.Index}
}

// ErrModelDirClaimed is returned when another job owns the model directory.
var ErrModelDirClaimed = errors.New("model directory claimed by another job")

// claimFile marks which job and run own a model directory.
const claimFile = ".claim"

func (f *FS) modelDir(owner, name string) string {
	return filepath.Join(f.root, modelsDir, "user_"+filepath.Base(owner), filepath.Base(name))
}

// PersistModel copies trained files into models/user_<owner>/<name>/ and returns their storage paths.
// The directory is claimed for jobID first; a directory held by another job, or one that
// already holds files without a claim, is never written. Files that do not exist are skipped
// and come back empty.
func (f *FS) PersistModel(owner, name, jobID, handle string, files ModelFiles) (ModelFiles, error) {
	name = filepath.Base(name)
	dir := f.modelDir(owner, name)
	if err := f.claimModelDir(dir, jobID, handle); err != nil {
		return ModelFiles{}, err
	}
	targets := ModelFiles{
		Weights: filepath.Join(dir, name+".pth"),
		Config:  filepath.Join(dir, name+"_config.json"),
		Index:   filepath.Join(dir, name+".index"),
	}
	var out ModelFiles
	dst := []*string{&out.Weights, &out.Config, &out.Index}
	for i, src := range files.list() {
		if src == "" || !fileExists(src) {
			continue
		}
		target := targets.list()[i]
		if err := copyFile(src, target); err != nil {
			return out, err
		}
		*dst[i] = f.rel(target)
	}
	return out, nil
}

// claimModelDir takes the directory for jobID. A later run of the same job takes the
// claim over; any other job gets ErrModelDirClaimed.
func (f *FS) claimModelDir(dir, jobID, handle string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	marker := filepath.Join(dir, claimFile)
	token := jobID + " " + handle
	fh, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := fh.WriteString(token)
		if cerr := fh.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return fmt.Errorf("write model claim: %w", werr)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read model dir: %w", err)
		}
		if len(entries) > 1 {
			_ = os.Remove(marker)
			return ErrModelDirClaimed
		}
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("claim model dir: %w", err)
	}
	held, err := os.ReadFile(marker)
	if err != nil {
		return fmt.Errorf("read model claim: %w", err)
	}
	heldJob, _, _ := strings.Cut(string(held), " ")
	if heldJob != jobID {
		return ErrModelDirClaimed
	}
	return os.WriteFile(marker, []byte(token), 0o644)
}

// ReleaseModel removes a model directory still claimed by the given run. It is a no-op
// when the claim belongs to someone else or is gone.
func (f *FS) ReleaseModel(owner, name, jobID, handle string) error {
	dir := f.modelDir(owner, name)
	held, err := os.ReadFile(filepath.Join(dir, claimFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read model claim: %w", err)
	}
	if string(held) != jobID+" "+handle {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove model dir: %w", err)
	}
	return nil
}

// GeneratedAudioPath allocates a storage path for a tts result.
func (f *FS) GeneratedAudioPath(jobID string) string {
	return fmt.Sprintf("%s/tts_%s_%s.wav", generatedDir, jobID, randSuffix())
}

// UploadPath allocates a storage path for an uploaded sample.
func (f *FS) UploadPath(owner, artifactID, ext string) string {
	return fmt.Sprintf("%s/user_%s/%s%s", uploadsDir, filepath.Base(owner), artifactID, ext)
}

// DownloadURL is the stable download reference for a tts job.
func DownloadURL(jobID string) string {
	return fmt.Sprintf("/api/tts/jobs/%s/download", jobID)
}

// Save streams r into rel, creating parent directories, and returns the bytes written.
// A partially written file is removed on error.
func (f *FS) Save(rel string, r io.Reader) (int64, error) {
	abs := f.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", rel, err)
	}
	out, err := os.Create(abs)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", rel, err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(abs)
		return 0, fmt.Errorf("write %s: %w", rel, err)
	}
	return n, nil
}

// Stat returns the size of a stored file.
func (f *FS) Stat(rel string) (int64, error) {
	info, err := os.Stat(f.Abs(rel))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether rel is a regular file.
func (f *FS) Exists(rel string) bool {
	return fileExists(f.Abs(rel))
}

// Remove deletes a stored file; a missing file is not an error.
func (f *FS) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	if err := os.Remove(f.Abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// WorkDirEntry is a working directory found on disk.
type WorkDirEntry struct {
	Kind    models.Kind
	JobID   string
	ModTime time.Time
}

// ListWorkDirs enumerates working directories under temp/.
func (f *FS) ListWorkDirs() ([]WorkDirEntry, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, tempDir))
	if err != nil {
		return nil, fmt.Errorf("read temp dir: %w", err)
	}
	var out []WorkDirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		kind, id, ok := parseWorkDirName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, WorkDirEntry{Kind: kind, JobID: id, ModTime: info.ModTime()})
	}
	return out, nil
}

func parseWorkDirName(name string) (models.Kind, string, bool) {
	for _, k := range models.Kinds {
		prefix := string(k) + "_"
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return k, name[len(prefix):], true
		}
	}
	return "", "", false
}

// ScanOrphans lists files under uploads/, models/ and generated/ that are not referenced
// and were last modified before cutoff.
func (f *FS) ScanOrphans(referenced map[string]struct{}, cutoff time.Time) ([]string, error) {
	var orphans []string
	for _, dir := range []string{uploadsDir, modelsDir, generatedDir} {
		base := filepath.Join(f.root, dir)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel := f.rel(path)
			if _, ok := referenced[rel]; ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				orphans = append(orphans, rel)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	return orphans, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

func randSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
