// Package workspace owns the on-disk layout:
//
//	<root>/<account>/<period>/<n><ext>                 fetched artifacts
//	<root>/<account>/<period>/merged/merged_<i>.mp4    chunked output
//	<root>/<account>/<period>/merged/merged_all.mp4    single output
//	<root>/<account>/<period>/merged/published/        archived units
//	<root>/.uploads/                                   ad-hoc uploads
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"storypipe/internal/domain"
)

const (
	MergedDir    = "merged"
	PublishedDir = "published"
	SingleName   = "merged_all.mp4"
	uploadsDir   = ".uploads"
)

var (
	reLeadingNum = regexp.MustCompile(`^(\d+)`)
	reChunkName  = regexp.MustCompile(`^merged_(\d+)\.mp4$`)
)

type Workspace struct {
	root string
}

func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: workspace root is empty", domain.ErrConfig)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) PeriodDir(account, period string) string {
	return filepath.Join(w.root, account, period)
}

func (w *Workspace) MergedDir(account, period string) string {
	return filepath.Join(w.PeriodDir(account, period), MergedDir)
}

func (w *Workspace) PublishedDir(account, period string) string {
	return filepath.Join(w.MergedDir(account, period), PublishedDir)
}

func (w *Workspace) UploadsDir() string { return filepath.Join(w.root, uploadsDir) }

// Upload resolves path, following symlinks, and returns it only when it
// names a regular file inside the uploads directory.
func (w *Workspace) Upload(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is required", domain.ErrConfig)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a readable file", domain.ErrConfig, path)
	}
	base, err := filepath.EvalSymlinks(w.UploadsDir())
	if err != nil {
		return "", fmt.Errorf("%w: %s is outside the uploads directory", domain.ErrConfig, path)
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the uploads directory", domain.ErrConfig, path)
	}
	st, err := os.Stat(resolved)
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a readable file", domain.ErrConfig, path)
	}
	return resolved, nil
}

// ArtifactName is "<n><ext>". n starts at the item's feed position and is
// bumped past any number already taken in the period.
func ArtifactName(n int, kind domain.ContentKind) string {
	return strconv.Itoa(n) + kind.Ext()
}

func (w *Workspace) ArtifactPath(account, period string, n int, kind domain.ContentKind) string {
	return filepath.Join(w.PeriodDir(account, period), ArtifactName(n, kind))
}

// ArtifactNumber is the leading number of an artifact file name.
func ArtifactNumber(name string) (int, bool) {
	m := reLeadingNum.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ArtifactNumbers lists the leading numbers of every file in the period
// directory, in directory order.
func (w *Workspace) ArtifactNumbers(account, period string) ([]int, error) {
	ents, err := os.ReadDir(w.PeriodDir(account, period))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if n, ok := ArtifactNumber(e.Name()); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func ChunkName(i int) string { return fmt.Sprintf("merged_%d.mp4", i) }

func (w *Workspace) ChunkPath(account, period string, i int) string {
	return filepath.Join(w.MergedDir(account, period), ChunkName(i))
}

func (w *Workspace) SinglePath(account, period string) string {
	return filepath.Join(w.MergedDir(account, period), SingleName)
}

// Videos lists the period's .mp4 artifacts ordered by their leading number.
// Names without one sort last, by name.
func (w *Workspace) Videos(account, period string) ([]string, error) {
	dir := w.PeriodDir(account, period)
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	type numbered struct {
		n    int
		name string
	}
	var items []numbered
	for _, e := range ents {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		n, ok := ArtifactNumber(e.Name())
		if !ok {
			n = int(^uint(0) >> 1)
		}
		items = append(items, numbered{n, e.Name()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].n != items[j].n {
			return items[i].n < items[j].n
		}
		return items[i].name < items[j].name
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = filepath.Join(dir, it.name)
	}
	return out, nil
}

// Unit is one merged file awaiting publication.
type Unit struct {
	Path string
	// Part is the chunk index, 0 for the single merged file.
	Part int
}

// MergedUnits lists unpublished merged output for mode, chunks first in
// index order.
func (w *Workspace) MergedUnits(account, period string, mode domain.MergeMode) ([]Unit, error) {
	dir := w.MergedDir(account, period)
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var chunks []Unit
	var single *Unit
	for _, e := range ents {
		if !e.Type().IsRegular() {
			continue
		}
		if m := reChunkName.FindStringSubmatch(e.Name()); m != nil {
			i, _ := strconv.Atoi(m[1])
			chunks = append(chunks, Unit{Path: filepath.Join(dir, e.Name()), Part: i})
		} else if e.Name() == SingleName {
			single = &Unit{Path: filepath.Join(dir, e.Name())}
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Part < chunks[j].Part })

	var out []Unit
	for _, m := range mode.Modes() {
		switch m {
		case domain.MergeChunked:
			out = append(out, chunks...)
		case domain.MergeSingle:
			if single != nil {
				out = append(out, *single)
			}
		}
	}
	return out, nil
}

// Folder is one account/period directory.
type Folder struct {
	Account string `json:"account"`
	Period  string `json:"period"`
}

// PendingFolders finds every account/period with unpublished merged output.
func (w *Workspace) PendingFolders() ([]Folder, error) {
	accounts, err := os.ReadDir(w.root)
	if err != nil {
		return nil, err
	}
	var out []Folder
	for _, a := range accounts {
		if !a.IsDir() || strings.HasPrefix(a.Name(), ".") {
			continue
		}
		periods, err := os.ReadDir(filepath.Join(w.root, a.Name()))
		if err != nil {
			return nil, err
		}
		for _, p := range periods {
			if !p.IsDir() || !domain.ValidPeriod(p.Name()) {
				continue
			}
			units, err := w.MergedUnits(a.Name(), p.Name(), domain.MergeBoth)
			if err != nil {
				return nil, err
			}
			if len(units) > 0 {
				out = append(out, Folder{Account: a.Name(), Period: p.Name()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].Account < out[j].Account
	})
	return out, nil
}

// WriteFile streams r into path through a temp file in the same directory,
// so readers never see a partial file.
func WriteFile(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, err
	}
	name := tmp.Name()
	fail := func(err error) (int64, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return 0, err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return 0, err
	}
	return n, nil
}
