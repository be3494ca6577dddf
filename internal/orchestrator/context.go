package orchestrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ContextLoader resolves one declared context source from
// Config.ContextSources — a local file path, a local directory path,
// or a "github:owner/repo/path@ref" URI — into the text chunks the
// orchestrator ingests into memory before the first turn runs, per
// spec §4.7 step 2. A custom loader can replace DefaultContextLoader
// to reach a private mirror or a different VCS host.
type ContextLoader func(ctx context.Context, source string) ([]string, error)

// maxContextFileBytes bounds a single ingested chunk; an oversized
// source is skipped rather than silently truncated into a broken
// fact-memory fragment.
const maxContextFileBytes = 1 << 20

// DefaultContextLoader handles the three source shapes spec §4.7 step
// 2 names: a github: URI fetched from raw.githubusercontent.com, a
// local directory walked recursively (dotfiles and dotdirs skipped), or
// a single local file read whole.
func DefaultContextLoader(ctx context.Context, source string) ([]string, error) {
	if strings.HasPrefix(source, "github:") {
		return loadGithubURI(ctx, source)
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stat context source %s: %w", source, err)
	}
	if info.IsDir() {
		return loadContextDir(source)
	}
	return loadContextFile(source)
}

func loadContextFile(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stat context file %s: %w", path, err)
	}
	if info.Size() > maxContextFileBytes {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read context file %s: %w", path, err)
	}
	return []string{string(data)}, nil
}

func loadContextDir(root string) ([]string, error) {
	var chunks []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		fileChunks, err := loadContextFile(path)
		if err != nil {
			return err
		}
		chunks = append(chunks, fileChunks...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: walk context dir %s: %w", root, err)
	}
	return chunks, nil
}

// loadGithubURI fetches one file's raw content. source is
// "github:owner/repo/path@ref"; ref defaults to HEAD when omitted.
func loadGithubURI(ctx context.Context, source string) ([]string, error) {
	rest := strings.TrimPrefix(source, "github:")
	ref := "HEAD"
	if i := strings.LastIndex(rest, "@"); i != -1 {
		ref = rest[i+1:]
		rest = rest[:i]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("orchestrator: malformed github context uri %q, want github:owner/repo/path", source)
	}
	owner, repo, path := parts[0], parts[1], parts[2]
	url := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, ref, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build request for %s: %w", source, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator: fetch %s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContextFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read %s: %w", url, err)
	}
	if len(body) > maxContextFileBytes {
		return nil, nil
	}
	return []string{string(body)}, nil
}
