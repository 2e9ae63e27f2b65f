package playbook

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// OptionalParam describes a declared optional playbook parameter.
type OptionalParam struct {
	Description string `yaml:"description"`
	Default     string `yaml:"default"`
}

// Meta is the parsed front-matter of one playbook file. Playbooks without
// front-matter accept unknown parameters and require none.
type Meta struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Version     string                   `yaml:"version"`
	Required    map[string]string        `yaml:"required_params"`
	Optional    map[string]OptionalParam `yaml:"optional_params"`
	Raw         []byte                   `yaml:"-"`
}

// Index is the in-process lookup of available playbooks and their declared
// parameters. Rescans swap the whole map under a writer lock.
type Index struct {
	dir      string
	interval time.Duration

	mu    sync.RWMutex
	metas map[string]Meta
}

// NewIndex builds an index over dir, rescanned every interval by Start.
func NewIndex(dir string, interval time.Duration) *Index {
	return &Index{
		dir:      dir,
		interval: interval,
		metas:    map[string]Meta{},
	}
}

// Lookup returns the metadata for one playbook path.
func (idx *Index) Lookup(path string) (Meta, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.metas[filepath.Clean(path)]
	return m, ok
}

// Paths returns all indexed playbook paths.
func (idx *Index) Paths() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	paths := make([]string, 0, len(idx.metas))
	for p := range idx.metas {
		paths = append(paths, p)
	}
	return paths
}

// Scan walks the playbook directory and rebuilds the index.
func (idx *Index) Scan() error {
	metas := map[string]Meta{}
	err := filepath.WalkDir(idx.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPlaybookFile(path) {
			return nil
		}
		meta, perr := parseFile(path)
		if perr != nil {
			log.Warn().Err(perr).Str("path", path).Msg("skipping unparseable playbook")
			return nil
		}
		metas[filepath.Clean(path)] = meta
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan playbook dir %s: %w", idx.dir, err)
	}

	idx.mu.Lock()
	idx.metas = metas
	idx.mu.Unlock()

	log.Debug().Int("playbooks", len(metas)).Str("dir", idx.dir).Msg("playbook index rebuilt")
	return nil
}

// Start rescans on a ticker until ctx is cancelled. Callers run the first
// Scan themselves so startup can fail fast on an unreadable directory.
func (idx *Index) Start(ctx context.Context) {
	t := time.NewTicker(idx.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := idx.Scan(); err != nil {
				log.Error().Err(err).Msg("playbook rescan failed")
			}
		}
	}
}

func isPlaybookFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".sh":
		return true
	}
	return false
}

var frontMatterDelim = []byte("---")

// parseFile reads a playbook and parses its optional front-matter block,
// delimited by a leading "---" line and a closing "---" line. Shell playbooks
// may carry the block behind "# " comment prefixes.
func parseFile(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read playbook: %w", err)
	}

	block, ok := frontMatter(data)
	meta := Meta{Raw: block}
	if !ok {
		return meta, nil
	}
	if err := yaml.Unmarshal(block, &meta); err != nil {
		return Meta{}, fmt.Errorf("invalid front-matter: %w", err)
	}
	meta.Raw = block
	return meta, nil
}

func frontMatter(data []byte) ([]byte, bool) {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) == 0 {
		return nil, false
	}

	// strip a shared "# " comment prefix so shell playbooks can carry
	// front-matter too
	strip := func(line []byte) []byte {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("# ")) {
			return line[2:]
		}
		if bytes.Equal(line, []byte("#")) {
			return nil
		}
		return line
	}

	first := strip(lines[0])
	if !bytes.Equal(bytes.TrimSpace(first), frontMatterDelim) {
		return nil, false
	}
	var block [][]byte
	for _, raw := range lines[1:] {
		line := strip(raw)
		if bytes.Equal(bytes.TrimSpace(line), frontMatterDelim) {
			return bytes.Join(block, []byte("\n")), true
		}
		block = append(block, line)
	}
	// unterminated block: not front-matter
	return nil, false
}
