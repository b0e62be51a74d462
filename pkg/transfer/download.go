package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DownloadRequest struct {
	// A file, directory, collection or wildcard pattern
	Source      string
	Destination string

	// Element preferences passed to the catalogue's read ranking
	Include []string
	Exclude []string

	// Files fetched concurrently; zero means one at a time
	Parallelism int
}

// FileResult is the outcome for one file of a download.
type FileResult struct {
	LFN     string
	Local   string
	Code    types.Code
	Err     error
	Replica string
	Bytes   int64
}

type DownloadResult struct {
	Files []FileResult
	// First file retrieved successfully, empty when none was
	First string
}

// Failed counts files that were neither fetched nor skipped.
func (r *DownloadResult) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.Code != types.CodeOK && f.Code != types.CodeAlreadyExists {
			n++
		}
	}
	return n
}

// Downloader fetches files by walking each file's ranked replicas until one
// read succeeds.
type Downloader struct {
	cat         Catalogue
	transport   transport.Client
	parallelism int
	logger      *zap.Logger
	metrics     *metrics.TransferMetrics
}

func NewDownloader(cat Catalogue, tc transport.Client, parallelism int, logger *zap.Logger, m *metrics.TransferMetrics) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Downloader{cat: cat, transport: tc, parallelism: parallelism, logger: logger, metrics: m}
}

// Download expands req.Source and fetches every file under req.Destination.
// Errors are returned for problems found before any transfer; per-file
// failures are reported in the result.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	entries, err := Expand(ctx, d.cat, req.Source)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	targets, err := mapDestinations(paths, req.Destination)
	if err != nil {
		return nil, err
	}

	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = d.parallelism
	}

	result := &DownloadResult{Files: make([]FileResult, len(entries))}
	var firstMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			fr := d.fetch(ctx, entry, targets[entry.Path], req.Include, req.Exclude)
			result.Files[i] = fr
			if fr.Code == types.CodeOK {
				firstMu.Lock()
				if result.First == "" {
					result.First = fr.Local
				}
				firstMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return result, nil
}

func (d *Downloader) fetch(ctx context.Context, entry *types.LogicalEntry, target string, include, exclude []string) FileResult {
	fr := FileResult{LFN: entry.Path, Local: target}

	if _, err := os.Lstat(target); err == nil {
		fr.Code = types.CodeAlreadyExists
		fr.Err = types.NewError(types.CodeAlreadyExists, "get", target, nil)
		d.logger.Info("Skipping existing local file", zap.String("lfn", entry.Path), zap.String("local", target))
		d.metrics.DownloadFinished("skipped", 0)
		return fr
	}

	replicas, err := d.cat.ListReplicasForRead(ctx, entry.Path, include, exclude)
	if err != nil {
		fr.Code = types.CodeOf(err)
		fr.Err = err
		d.metrics.DownloadFinished("failure", 0)
		return fr
	}

	var failures []string
	for i := range replicas {
		r := &replicas[i]
		n, err := d.fetchReplica(ctx, entry, r, target)
		if err == nil {
			fr.Code = types.CodeOK
			fr.Replica = r.String()
			fr.Bytes = n
			if !entry.Created.IsZero() {
				if err := os.Chtimes(target, time.Now(), entry.Created); err != nil {
					d.logger.Warn("Failed to set modification time", zap.String("local", target), zap.Error(err))
				}
			}
			d.logger.Info("Downloaded file",
				zap.String("lfn", entry.Path),
				zap.String("local", target),
				zap.String("replica", r.String()),
				zap.Int64("bytes", n))
			d.metrics.DownloadFinished("success", n)
			return fr
		}

		failures = append(failures, err.Error())
		d.logger.Warn("Replica read failed",
			zap.String("lfn", entry.Path),
			zap.String("replica", r.String()),
			zap.Error(err))

		fr.Code = types.CodeOf(err)
		if fr.Code == types.CodePermissionDenied || ctx.Err() != nil {
			break
		}
	}

	if fr.Code == types.CodeOK || fr.Code == types.CodeInternal {
		fr.Code = types.CodeTransportFailure
	}
	fr.Err = types.Errorf(fr.Code, "get", "%s: %s", entry.Path, strings.Join(failures, "; "))
	d.metrics.DownloadFinished("failure", 0)
	return fr
}

// fetchReplica reads one replica into target. The bytes land in a temporary
// sibling first and are renamed into place once the checksum matches.
func (d *Downloader) fetchReplica(ctx context.Context, entry *types.LogicalEntry, r *types.PhysicalReplica, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, types.NewError(types.CodeInternal, "get", target, err)
	}
	partial := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".part")
	defer os.Remove(partial)

	if r.IsArchiveMember() {
		archive, err := d.transport.Get(ctx, r, "")
		if err != nil {
			return 0, err
		}
		defer os.Remove(archive)
		if err := extractMember(archive, r.ArchiveMember, partial); err != nil {
			return 0, err
		}
	} else if _, err := d.transport.Get(ctx, r, partial); err != nil {
		return 0, err
	}

	n, sum, err := fileChecksum(partial)
	if err != nil {
		return 0, types.NewError(types.CodeInternal, "get", partial, err)
	}
	if entry.Checksum != "" && sum != entry.Checksum {
		return 0, types.Errorf(types.CodeChecksumMismatch, "get", "%s: expected %s, got %s", r, entry.Checksum, sum)
	}

	if err := os.Rename(partial, target); err != nil {
		return 0, types.NewError(types.CodeInternal, "get", target, err)
	}
	return n, nil
}

// extractMember copies one member of a zip archive to dest.
func extractMember(archive, member, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return types.NewError(types.CodeTransportFailure, "extract", archive, fmt.Errorf("not a readable archive: %w", err))
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return types.NewError(types.CodeTransportFailure, "extract", member, err)
		}
		defer rc.Close()

		out, err := os.Create(dest)
		if err != nil {
			return types.NewError(types.CodeInternal, "extract", dest, err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return types.NewError(types.CodeTransportFailure, "extract", member, err)
		}
		return out.Close()
	}
	return types.Errorf(types.CodeNameNotFound, "extract", "archive has no member %s", member)
}

func fileChecksum(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Expand turns a source into the file entries it names: a file itself, every
// file below a directory, the members of a collection, or the matches of a
// wildcard pattern.
func Expand(ctx context.Context, cat Catalogue, source string) ([]*types.LogicalEntry, error) {
	var roots []*types.LogicalEntry
	if hasMeta(source) {
		matches, err := expandPattern(ctx, cat, path.Clean(source))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, types.Errorf(types.CodeNameNotFound, "expand", "no match for %s", source)
		}
		roots = matches
	} else {
		entry, err := cat.Resolve(ctx, source)
		if err != nil {
			return nil, err
		}
		roots = []*types.LogicalEntry{entry}
	}

	seen := make(map[string]bool)
	var files []*types.LogicalEntry
	for _, root := range roots {
		if err := collectFiles(ctx, cat, root, seen, &files); err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, types.Errorf(types.CodeNameNotFound, "expand", "%s holds no files", source)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func collectFiles(ctx context.Context, cat Catalogue, entry *types.LogicalEntry, seen map[string]bool, files *[]*types.LogicalEntry) error {
	switch entry.Type {
	case types.EntryFile:
		if !seen[entry.Path] {
			seen[entry.Path] = true
			*files = append(*files, entry)
		}
	case types.EntryDirectory:
		children, err := cat.List(ctx, entry.Path)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := collectFiles(ctx, cat, child, seen, files); err != nil {
				return err
			}
		}
	case types.EntryCollection:
		members, err := cat.CollectionMembers(ctx, entry.Path)
		if err != nil {
			return err
		}
		for _, m := range members {
			member, err := cat.Resolve(ctx, m)
			if err != nil {
				return err
			}
			if err := collectFiles(ctx, cat, member, seen, files); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandPattern matches the pattern one path segment at a time.
func expandPattern(ctx context.Context, cat Catalogue, pattern string) ([]*types.LogicalEntry, error) {
	root, err := cat.Resolve(ctx, "/")
	if err != nil {
		return nil, err
	}
	current := []*types.LogicalEntry{root}

	for _, seg := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if _, err := path.Match(seg, ""); err != nil {
			return nil, types.NewError(types.CodeInvalidArgument, "expand", pattern, err)
		}

		var next []*types.LogicalEntry
		for _, dir := range current {
			if !dir.IsDirectory() {
				continue
			}
			if !hasMeta(seg) {
				child, err := cat.Resolve(ctx, path.Join(dir.Path, seg))
				if types.IsCode(err, types.CodeNameNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				next = append(next, child)
				continue
			}

			children, err := cat.List(ctx, dir.Path)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if ok, _ := path.Match(seg, path.Base(child.Path)); ok {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return current, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// mapDestinations places each source under dest. One file goes to dest, or
// into it when dest is an existing directory. Several files keep their paths
// relative to their longest common directory under dest.
func mapDestinations(sources []string, dest string) (map[string]string, error) {
	info, err := os.Stat(dest)
	destIsDir := err == nil && info.IsDir()
	out := make(map[string]string, len(sources))

	if len(sources) == 1 {
		if destIsDir {
			out[sources[0]] = filepath.Join(dest, path.Base(sources[0]))
		} else {
			out[sources[0]] = dest
		}
		return out, nil
	}

	if err == nil && !destIsDir {
		return nil, types.Errorf(types.CodeTypeMismatch, "get", "%s is not a directory but %d files were requested", dest, len(sources))
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, types.NewError(types.CodeInternal, "get", dest, err)
	}

	prefix := commonDir(sources)
	for _, src := range sources {
		rel := strings.TrimPrefix(src, prefix)
		rel = strings.TrimPrefix(rel, "/")
		out[src] = filepath.Join(dest, filepath.FromSlash(rel))
	}
	return out, nil
}

// commonDir is the longest directory shared by every path.
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return "/"
	}
	common := strings.Split(path.Dir(paths[0]), "/")
	for _, p := range paths[1:] {
		parts := strings.Split(path.Dir(p), "/")
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	dir := strings.Join(common, "/")
	if dir == "" {
		return "/"
	}
	return dir
}
